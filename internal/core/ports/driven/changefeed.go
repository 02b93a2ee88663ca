package driven

import "github.com/custodia-labs/kbsearch/internal/core/domain"

// ChangeNotifier announces knowledge-base mutations.
type ChangeNotifier interface {
	// Subscribe registers fn for events in ns. The returned function
	// cancels the subscription.
	Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (cancel func(), err error)
}
