package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSpotOccupiedRoundTrip(t *testing.T) {
	original := SpotOccupied{
		Base:         NewBase(),
		SpotID:       uuid.New(),
		SpotCode:     "A1",
		CustomerID:   uuid.New(),
		CustomerName: "Maria Souza",
		EnteredAt:    time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC),
	}

	body, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode[SpotOccupied](body)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestSpotFreedRoundTrip(t *testing.T) {
	original := SpotFreed{
		Base:            NewBase(),
		SpotID:          uuid.New(),
		SpotCode:        "B7",
		CustomerID:      uuid.New(),
		ExitedAt:        time.Date(2025, 1, 10, 10, 30, 0, 0, time.UTC),
		DurationSeconds: 7200,
		AmountCharged:   20.00,
	}

	body, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode[SpotFreed](body)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
	require.Equal(t, 2*time.Hour, decoded.Duration())
}

func TestPaymentProcessedRoundTrip(t *testing.T) {
	original := PaymentProcessed{
		Base:              NewBase(),
		TransactionID:     uuid.New(),
		CustomerID:        uuid.New(),
		Amount:            20.00,
		PaymentMethod:     "Pix",
		Status:            PaymentApproved,
		AuthorizationCode: "a1b2c3d4",
	}

	body, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode[PaymentProcessed](body)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode[SpotFreed]([]byte("{not json"))
	require.Error(t, err)
}

func TestEventNames(t *testing.T) {
	require.Equal(t, "EventoVagaOcupada", SpotOccupied{}.Name())
	require.Equal(t, "EventoVagaLiberada", SpotFreed{}.Name())
	require.Equal(t, "EventoPagamentoProcessado", PaymentProcessed{}.Name())
}
