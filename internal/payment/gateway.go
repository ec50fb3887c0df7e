package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Authorization is the gateway's answer to a charge attempt
type Authorization struct {
	Approved          bool
	AuthorizationCode string
	Reason            string
}

// Authorizer decides whether a charge goes through
type Authorizer interface {
	Authorize(ctx context.Context, invoiceID uuid.UUID, amount float64, method string) (Authorization, error)
}

// SimulatedGateway approves a configurable share of charges and rejects the
// rest, standing in for a real acquirer integration.
type SimulatedGateway struct {
	approvalRate float64

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSimulatedGateway creates a gateway approving roughly approvalRate of
// charges. Rates outside (0, 1] fall back to 0.9.
func NewSimulatedGateway(approvalRate float64, seed int64) *SimulatedGateway {
	if approvalRate <= 0 || approvalRate > 1 {
		approvalRate = 0.9
	}
	return &SimulatedGateway{
		approvalRate: approvalRate,
		rng:          mrand.New(mrand.NewSource(seed)),
	}
}

// Authorize simulates the acquirer round trip
func (g *SimulatedGateway) Authorize(_ context.Context, _ uuid.UUID, amount float64, method string) (Authorization, error) {
	if amount <= 0 {
		return Authorization{}, errors.New("amount must be positive")
	}
	if method == "" {
		return Authorization{}, errors.New("payment method is required")
	}

	g.mu.Lock()
	roll := g.rng.Float64()
	g.mu.Unlock()

	if roll >= g.approvalRate {
		return Authorization{
			Approved: false,
			Reason:   "declined by issuer",
		}, nil
	}

	code, err := generateAuthorizationCode()
	if err != nil {
		return Authorization{}, errors.Wrap(err, "failed to generate authorization code")
	}
	return Authorization{
		Approved:          true,
		AuthorizationCode: code,
	}, nil
}

func generateAuthorizationCode() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
