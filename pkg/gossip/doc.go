// Package gossip implements cluster membership for zephyrkv. Every node keeps
// a logical counter whose parity says whether it is in the cluster; joins and
// leaves bump the counter, are recorded in the node's journal and announced
// to the cluster contact point. A joining node first receives a full snapshot
// of the membership over a reliable channel, after which it follows churn
// through best-effort announcements. Only the highest counter per node ever
// matters, so lost or duplicated announcements are harmless.
//
// Typical usage:
//
//	p := gossip.New(gossip.Config{}, self, journal, transport, nil, logger)
//	p.OnViewChange(router.SetNodes)
//	if err := p.Join(ctx); err != nil { ... }
//	defer p.Leave(ctx)
//
// Leader election is not part of the protocol; OnViewChange is where one
// would observe membership to run it.
package gossip
