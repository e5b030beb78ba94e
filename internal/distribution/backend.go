package distribution

import (
	"context"
	"strings"

	"github.com/punchamoorthee/pointledger/internal/domain"
)

// Lookup resolves a distribution by id. Implementations return
// domain.ErrDistributionNotFound when it does not exist.
type Lookup interface {
	GetDistribution(ctx context.Context, id string) (domain.Distribution, error)
}

// Backend is the delivery path serving a distribution's downloads.
type Backend interface {
	Name() string
	// IsRegional reports whether downloads are relayed through a regional
	// proxy, which bills at the regional rate.
	IsRegional() bool
}

type Local struct{}

func (Local) Name() string     { return "local" }
func (Local) IsRegional() bool { return false }

type RegionalProxy struct {
	Region string
}

func (p RegionalProxy) Name() string   { return "proxy:" + p.Region }
func (RegionalProxy) IsRegional() bool { return true }

var regionalAreas = map[string]struct{}{
	"CN": {},
	"RU": {},
}

// BackendFor picks the backend for a distribution's network area.
func BackendFor(networkArea string) Backend {
	area := strings.ToUpper(strings.TrimSpace(networkArea))
	if _, ok := regionalAreas[area]; ok {
		return RegionalProxy{Region: area}
	}
	return Local{}
}
