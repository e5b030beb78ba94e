package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/pointledger/internal/clock"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrInvalidMAC     = errors.New("check mac value mismatch")
	ErrAmountMismatch = errors.New("trade amount does not match order")
)

type OrderStore interface {
	CreateOrder(ctx context.Context, o domain.PaymentOrder) (domain.PaymentOrder, error)
	GetOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, error)
	ClaimOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, bool, error)
	ReleaseOrder(ctx context.Context, tradeNo string) error
	FailOrder(ctx context.Context, tradeNo string) error
}

type Recharger interface {
	ApplyRecharge(ctx context.Context, accountID string, amount int64, reason string) (domain.RechargeResult, error)
}

type Config struct {
	MerchantID  string
	HashKey     string
	HashIV      string
	ReturnURL   string
	CheckoutURL string
}

// Checkout is what a client posts to the provider to pay for an order.
type Checkout struct {
	Order  domain.PaymentOrder `json:"order"`
	Action string              `json:"action"`
	Fields map[string]string   `json:"fields"`
}

type Service struct {
	orders    OrderStore
	recharger Recharger
	cfg       Config
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(orders OrderStore, recharger Recharger, cfg Config, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{orders: orders, recharger: recharger, cfg: cfg, clock: clk, log: log.Named("payment")}
}

// NewTradeNo returns a 20 character merchant trade number.
func NewTradeNo() string {
	return "PL" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18]
}

// taipei is the provider's wall clock; MerchantTradeDate has no zone field.
var taipei = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Taipei"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}()

// CreateOrder records a pending order and returns the signed checkout form.
func (s *Service) CreateOrder(ctx context.Context, accountID string, points, amount int64) (Checkout, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Checkout{}, domain.ErrAccountNotFound
	}
	if points <= 0 || amount <= 0 {
		return Checkout{}, domain.ErrInvalidAmount
	}

	order, err := s.orders.CreateOrder(ctx, domain.PaymentOrder{
		TradeNo:   NewTradeNo(),
		AccountID: accountID,
		Points:    points,
		Amount:    amount,
	})
	if err != nil {
		return Checkout{}, err
	}

	fields := map[string]string{
		"MerchantID":        s.cfg.MerchantID,
		"MerchantTradeNo":   order.TradeNo,
		"MerchantTradeDate": s.clock.Now().In(taipei).Format("2006/01/02 15:04:05"),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.FormatInt(amount, 10),
		"TradeDesc":         "Point recharge",
		"ItemName":          fmt.Sprintf("Points %d", points),
		"ReturnURL":         s.cfg.ReturnURL,
		"ChoosePayment":     "ALL",
		"EncryptType":       "1",
		"CustomField1":      accountID,
		"CustomField2":      strconv.FormatInt(points, 10),
		"CustomField3":      strconv.FormatInt(amount, 10),
	}
	fields[macField] = Sign(fields, s.cfg.HashKey, s.cfg.HashIV)

	s.log.Info("payment order created",
		zap.String("account_id", accountID),
		zap.String("trade_no", order.TradeNo),
		zap.Int64("points", points),
		zap.Int64("amount", amount))
	return Checkout{Order: order, Action: s.cfg.CheckoutURL, Fields: fields}, nil
}

func (s *Service) GetOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, error) {
	return s.orders.GetOrder(ctx, strings.TrimSpace(tradeNo))
}

// HandleNotify processes a provider server-to-server callback. A paid
// notification settles the order; any other return code fails it.
func (s *Service) HandleNotify(ctx context.Context, form map[string]string) error {
	if !Verify(form, s.cfg.HashKey, s.cfg.HashIV) {
		return ErrInvalidMAC
	}
	tradeNo := strings.TrimSpace(form["MerchantTradeNo"])
	if tradeNo == "" {
		return fmt.Errorf("%w: MerchantTradeNo is required", domain.ErrInvalidInput)
	}

	if strings.TrimSpace(form["RtnCode"]) != "1" {
		s.log.Info("payment not successful",
			zap.String("trade_no", tradeNo),
			zap.String("rtn_code", form["RtnCode"]),
			zap.String("rtn_msg", form["RtnMsg"]))
		return s.orders.FailOrder(ctx, tradeNo)
	}

	if raw := strings.TrimSpace(form["TradeAmt"]); raw != "" {
		order, err := s.orders.GetOrder(ctx, tradeNo)
		if err != nil {
			return err
		}
		if paid, err := strconv.ParseInt(raw, 10, 64); err != nil || paid != order.Amount {
			s.log.Error("payment amount mismatch",
				zap.String("trade_no", tradeNo),
				zap.String("trade_amt", raw),
				zap.Int64("expected", order.Amount))
			return ErrAmountMismatch
		}
	}

	_, _, err := s.Settle(ctx, tradeNo)
	return err
}

// Settle credits a paid order exactly once. The caller that wins the claim
// applies the recharge; if that fails the claim is released so a provider
// retry can settle it.
func (s *Service) Settle(ctx context.Context, tradeNo string) (domain.PaymentOrder, bool, error) {
	order, claimed, err := s.orders.ClaimOrder(ctx, tradeNo)
	if err != nil {
		return domain.PaymentOrder{}, false, err
	}
	if !claimed {
		s.log.Debug("payment order not claimable", zap.String("trade_no", tradeNo), zap.String("status", order.Status))
		return order, false, nil
	}

	res, err := s.recharger.ApplyRecharge(ctx, order.AccountID, order.Points, "recharge:ecpay:"+tradeNo)
	if err != nil {
		if relErr := s.orders.ReleaseOrder(ctx, tradeNo); relErr != nil {
			s.log.Error("release payment claim failed", zap.String("trade_no", tradeNo), zap.Error(relErr))
		}
		return domain.PaymentOrder{}, false, err
	}

	s.log.Info("payment settled",
		zap.String("trade_no", tradeNo),
		zap.String("account_id", order.AccountID),
		zap.String("ledger_id", res.LedgerID),
		zap.Int64("balance", res.Balance))
	return order, true, nil
}
