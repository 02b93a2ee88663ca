package fswatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

func newTestHub(t *testing.T, ns domain.Namespace, onEvent func()) *changefeed.Hub {
	t.Helper()
	h := changefeed.NewHub()
	_, err := h.Subscribe(ns, func(domain.ChangeEvent) { onEvent() })
	require.NoError(t, err)
	return h
}
