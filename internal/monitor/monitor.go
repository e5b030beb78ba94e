package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_monitor_notifications_total",
	Help: "Monitor notifications by kind and delivery result",
}, []string{"kind", "result"})

type Store interface {
	ListMonitors(ctx context.Context, ownerID string) ([]domain.Monitor, error)
	TelegramToken(ctx context.Context, ownerID string) (string, error)
}

type Sender interface {
	Send(ctx context.Context, token, chatID, text string) error
}

// Service evaluates an owner's monitors against a balance or counter change
// and delivers the ones whose threshold was just crossed.
type Service struct {
	store  Store
	sender Sender
	log    *zap.Logger
}

func NewService(store Store, sender Sender, log *zap.Logger) *Service {
	return &Service{store: store, sender: sender, log: log.Named("monitor")}
}

// PointsCrossed reports a balance falling to or below threshold.
func PointsCrossed(threshold, previous, current int64) bool {
	return previous > threshold && current <= threshold
}

// DownloadsCrossed reports a counter rising to or above threshold.
func DownloadsCrossed(threshold, previous, current int64) bool {
	return previous < threshold && current >= threshold
}

func (s *Service) NotifyPointThreshold(ctx context.Context, ownerID string, previous, current int64) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || previous == current {
		return nil
	}

	monitors, err := s.store.ListMonitors(ctx, ownerID)
	if err != nil {
		return err
	}

	var due []domain.Monitor
	for _, m := range monitors {
		if m.Kind == domain.MonitorPoints && m.IsActive && PointsCrossed(m.Threshold, previous, current) {
			due = append(due, m)
		}
	}
	return s.deliver(ctx, ownerID, domain.MonitorPoints, due)
}

// NotifyDownloadThreshold checks the owner's download monitors for the
// distribution code against lifetime totals after one download on platform.
func (s *Service) NotifyDownloadThreshold(ctx context.Context, ownerID, distributionCode string, platform domain.Platform, totals domain.DownloadTotals) error {
	ownerID = strings.TrimSpace(ownerID)
	distributionCode = strings.TrimSpace(distributionCode)
	if ownerID == "" || distributionCode == "" {
		return nil
	}

	monitors, err := s.store.ListMonitors(ctx, ownerID)
	if err != nil {
		return err
	}

	var due []domain.Monitor
	for _, m := range monitors {
		if m.Kind != domain.MonitorDownloads || !m.IsActive || m.DistributionCode != distributionCode {
			continue
		}
		step := increment(m.Metric, platform)
		if step == 0 {
			continue
		}
		current := totalFor(m.Metric, totals)
		if DownloadsCrossed(m.Threshold, current-step, current) {
			due = append(due, m)
		}
	}
	return s.deliver(ctx, ownerID, domain.MonitorDownloads, due)
}

func increment(metric domain.DownloadMetric, platform domain.Platform) int64 {
	switch metric {
	case domain.MetricTotal:
		return 1
	case domain.MetricAPK:
		if platform == domain.PlatformAPK {
			return 1
		}
	case domain.MetricIPA:
		if platform == domain.PlatformIPA {
			return 1
		}
	}
	return 0
}

func totalFor(metric domain.DownloadMetric, totals domain.DownloadTotals) int64 {
	switch metric {
	case domain.MetricAPK:
		return totals.TotalAPK
	case domain.MetricIPA:
		return totals.TotalIPA
	default:
		return totals.TotalTotal
	}
}

// deliver sends every due monitor concurrently. Send failures are logged
// and counted, never returned.
func (s *Service) deliver(ctx context.Context, ownerID string, kind domain.MonitorKind, due []domain.Monitor) error {
	if len(due) == 0 {
		return nil
	}

	token, err := s.store.TelegramToken(ctx, ownerID)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		s.log.Warn("telegram token missing", zap.String("owner_id", ownerID), zap.Int("pending", len(due)))
		notifications.WithLabelValues(string(kind), "skipped").Add(float64(len(due)))
		return nil
	}

	var g errgroup.Group
	for _, m := range due {
		if m.Target == "" || m.Message == "" {
			continue
		}
		g.Go(func() error {
			if err := s.sender.Send(ctx, token, m.Target, m.Message); err != nil {
				s.log.Error("telegram send failed",
					zap.String("owner_id", ownerID),
					zap.Int64("monitor_id", m.ID),
					zap.Error(err))
				notifications.WithLabelValues(string(kind), "failed").Inc()
				return nil
			}
			notifications.WithLabelValues(string(kind), "sent").Inc()
			return nil
		})
	}
	return g.Wait()
}

// Validate normalizes m and checks the fields its kind requires.
func Validate(m *domain.Monitor) error {
	m.Target = strings.TrimSpace(m.Target)
	m.Message = strings.TrimSpace(m.Message)
	m.DistributionCode = strings.TrimSpace(m.DistributionCode)
	m.Metric = domain.DownloadMetric(strings.ToLower(strings.TrimSpace(string(m.Metric))))

	if m.Target == "" || m.Message == "" {
		return fmt.Errorf("%w: monitor target and message are required", domain.ErrInvalidInput)
	}
	if m.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", domain.ErrInvalidInput)
	}

	switch m.Kind {
	case domain.MonitorPoints:
		m.Metric = ""
		m.DistributionCode = ""
	case domain.MonitorDownloads:
		switch m.Metric {
		case domain.MetricTotal, domain.MetricAPK, domain.MetricIPA:
		case "":
			m.Metric = domain.MetricTotal
		default:
			return fmt.Errorf("%w: unknown download metric %q", domain.ErrInvalidInput, m.Metric)
		}
		if m.DistributionCode == "" {
			return fmt.Errorf("%w: distribution code is required", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown monitor kind %q", domain.ErrInvalidInput, m.Kind)
	}
	return nil
}
