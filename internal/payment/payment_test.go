package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/pointledger/internal/clock"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"github.com/punchamoorthee/pointledger/internal/service"
	"github.com/punchamoorthee/pointledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	testHashKey = "pwFHCqoQZGmho4w6"
	testHashIV  = "EkRm7iFT261dpevs"
)

func TestSignMatchesProviderExample(t *testing.T) {
	params := map[string]string{
		"ChoosePayment":     "ALL",
		"EncryptType":       "1",
		"ItemName":          "Apple iphone 15",
		"MerchantID":        "3002607",
		"MerchantTradeDate": "2023/03/12 15:30:23",
		"MerchantTradeNo":   "ecpay20230312153023",
		"PaymentType":       "aio",
		"ReturnURL":         "https://www.ecpay.com.tw/receive.php",
		"TotalAmount":       "30000",
		"TradeDesc":         "促銷方案",
	}
	assert.Equal(t, "6C51C9E6888DE861FD62FB1DD17029FC742634498FD813DC43D4243B5685B840", Sign(params, testHashKey, testHashIV))

	params[macField] = "ignored"
	assert.Equal(t, "6C51C9E6888DE861FD62FB1DD17029FC742634498FD813DC43D4243B5685B840", Sign(params, testHashKey, testHashIV))
}

func TestVerify(t *testing.T) {
	params := map[string]string{"MerchantTradeNo": "PL1", "RtnCode": "1", "Note": "a~b (x)!*"}
	params[macField] = Sign(params, testHashKey, testHashIV)
	assert.True(t, Verify(params, testHashKey, testHashIV))

	lower := map[string]string{}
	for k, v := range params {
		lower[k] = v
	}
	lower[macField] = strings.ToLower(lower[macField])
	assert.True(t, Verify(lower, testHashKey, testHashIV))

	params["RtnCode"] = "2"
	assert.False(t, Verify(params, testHashKey, testHashIV))
	assert.False(t, Verify(map[string]string{"RtnCode": "1"}, testHashKey, testHashIV))
	assert.False(t, Verify(lower, "other-key", testHashIV))
}

type env struct {
	store *store.Memory
	svc   *Service
	acct  string
}

func newEnv(t *testing.T, recharger Recharger) *env {
	t.Helper()
	mem := store.NewMemory()
	acc, err := mem.CreateAccount(context.Background())
	require.NoError(t, err)
	if recharger == nil {
		recharger = service.NewRechargeService(mem, zap.NewNop())
	}
	cfg := Config{
		MerchantID:  "3002607",
		HashKey:     testHashKey,
		HashIV:      testHashIV,
		ReturnURL:   "https://ledger.example/api/v1/payments/ecpay/notify",
		CheckoutURL: "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5",
	}
	clk := clock.NewFake(time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC))
	return &env{store: mem, svc: NewService(mem, recharger, cfg, clk, zap.NewNop()), acct: acc.ID}
}

func (e *env) notify(t *testing.T, tradeNo, rtnCode, tradeAmt string) map[string]string {
	t.Helper()
	form := map[string]string{
		"MerchantID":      "3002607",
		"MerchantTradeNo": tradeNo,
		"RtnCode":         rtnCode,
		"RtnMsg":          "paid",
		"TradeAmt":        tradeAmt,
		"PaymentType":     "Credit_CreditCard",
	}
	form[macField] = Sign(form, testHashKey, testHashIV)
	return form
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), e.acct)
	require.NoError(t, err)
	return acc.Balance
}

func TestCreateOrderReturnsSignedCheckout(t *testing.T) {
	e := newEnv(t, nil)

	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)

	assert.Len(t, co.Order.TradeNo, 20)
	assert.Equal(t, "PL", co.Order.TradeNo[:2])
	assert.Equal(t, domain.OrderPending, co.Order.Status)
	assert.Equal(t, co.Order.TradeNo, co.Fields["MerchantTradeNo"])
	assert.Equal(t, "2026/05/01 12:00:00", co.Fields["MerchantTradeDate"])
	assert.Equal(t, "300", co.Fields["TotalAmount"])
	assert.Equal(t, e.acct, co.Fields["CustomField1"])
	assert.True(t, Verify(co.Fields, testHashKey, testHashIV))

	_, err = e.svc.CreateOrder(context.Background(), e.acct, 0, 300)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = e.svc.CreateOrder(context.Background(), "ghost", 10, 300)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestPaidNotifyCreditsOnce(t *testing.T) {
	e := newEnv(t, nil)
	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)
	form := e.notify(t, co.Order.TradeNo, "1", "300")

	var g errgroup.Group
	for range 10 {
		g.Go(func() error { return e.svc.HandleNotify(context.Background(), form) })
	}
	require.NoError(t, g.Wait())
	require.NoError(t, e.svc.HandleNotify(context.Background(), form))

	assert.Equal(t, int64(100), e.balance(t))
	order, err := e.svc.GetOrder(context.Background(), co.Order.TradeNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, order.Status)

	entries, err := e.store.ListEntries(context.Background(), e.acct, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recharge:ecpay:"+co.Order.TradeNo, entries[0].Reason)
}

func TestNotifyRejectsBadMAC(t *testing.T) {
	e := newEnv(t, nil)
	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)

	form := e.notify(t, co.Order.TradeNo, "1", "300")
	form["TradeAmt"] = "30000"
	assert.ErrorIs(t, e.svc.HandleNotify(context.Background(), form), ErrInvalidMAC)
	assert.Zero(t, e.balance(t))
}

func TestNotifySignedWithEmptySecretsIsRejected(t *testing.T) {
	mem := store.NewMemory()
	acc, err := mem.CreateAccount(context.Background())
	require.NoError(t, err)
	svc := NewService(mem, service.NewRechargeService(mem, zap.NewNop()), Config{}, nil, zap.NewNop())

	co, err := svc.CreateOrder(context.Background(), acc.ID, 1000000, 1)
	require.NoError(t, err)

	form := map[string]string{"MerchantTradeNo": co.Order.TradeNo, "RtnCode": "1"}
	form[macField] = Sign(form, "", "")
	assert.False(t, Verify(form, "", ""))
	assert.ErrorIs(t, svc.HandleNotify(context.Background(), form), ErrInvalidMAC)

	got, err := mem.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
}

func TestFailedNotifyMarksOrderFailed(t *testing.T) {
	e := newEnv(t, nil)
	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)

	require.NoError(t, e.svc.HandleNotify(context.Background(), e.notify(t, co.Order.TradeNo, "10100058", "300")))
	order, err := e.svc.GetOrder(context.Background(), co.Order.TradeNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, order.Status)
	assert.Zero(t, e.balance(t))
}

func TestPaidNotifyAfterFailureDoesNotCredit(t *testing.T) {
	e := newEnv(t, nil)
	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)

	require.NoError(t, e.svc.HandleNotify(context.Background(), e.notify(t, co.Order.TradeNo, "10100058", "300")))
	require.NoError(t, e.svc.HandleNotify(context.Background(), e.notify(t, co.Order.TradeNo, "1", "300")))

	order, err := e.svc.GetOrder(context.Background(), co.Order.TradeNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, order.Status)
	assert.Nil(t, order.PaidAt)
	assert.Zero(t, e.balance(t))
}

func TestAmountMismatchDoesNotCredit(t *testing.T) {
	e := newEnv(t, nil)
	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)

	err = e.svc.HandleNotify(context.Background(), e.notify(t, co.Order.TradeNo, "1", "3"))
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Zero(t, e.balance(t))

	order, err := e.svc.GetOrder(context.Background(), co.Order.TradeNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
}

func TestUnknownOrder(t *testing.T) {
	e := newEnv(t, nil)
	err := e.svc.HandleNotify(context.Background(), e.notify(t, "PL404", "1", ""))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

type flakyRecharger struct {
	next  Recharger
	fails int
}

func (f *flakyRecharger) ApplyRecharge(ctx context.Context, accountID string, amount int64, reason string) (domain.RechargeResult, error) {
	if f.fails > 0 {
		f.fails--
		return domain.RechargeResult{}, domain.Unavailable("recharge", errors.New("connection reset"))
	}
	return f.next.ApplyRecharge(ctx, accountID, amount, reason)
}

func TestFailedRechargeReleasesClaim(t *testing.T) {
	flaky := &flakyRecharger{fails: 1}
	e := newEnv(t, flaky)
	flaky.next = service.NewRechargeService(e.store, zap.NewNop())

	co, err := e.svc.CreateOrder(context.Background(), e.acct, 100, 300)
	require.NoError(t, err)
	form := e.notify(t, co.Order.TradeNo, "1", "300")

	err = e.svc.HandleNotify(context.Background(), form)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	order, err := e.svc.GetOrder(context.Background(), co.Order.TradeNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)

	require.NoError(t, e.svc.HandleNotify(context.Background(), form))
	assert.Equal(t, int64(100), e.balance(t))
}
