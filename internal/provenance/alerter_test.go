package provenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter("")

	assert.Empty(t, a.Evaluate(&Report{CanonicalWithoutProvenance: Counts{Products: 4, Total: 4}}))

	alerts := a.Evaluate(&Report{
		DisplayedWithoutProvenance:         Counts{Products: 1, Offers: 2, Total: 3},
		BuildPartsReferencingNonProvenance: BuildRefs{Plants: 1, Total: 1},
		HasDisplayedViolations:             true,
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDisplayedWithoutProvenance, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "3 active canonical row(s)")
	assert.Equal(t, AlertBuildReferences, alerts[1].Type)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err != nil || alert.Type == AlertBuildReferences {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDisplayedWithoutProvenance},
		{Type: AlertBuildReferences},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_NoWebhook(t *testing.T) {
	a := NewAlerter("")
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertBuildReferences}}))
}
