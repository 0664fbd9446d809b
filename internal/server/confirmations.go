package server

// denyAllConfirmations is the default pipeline.Confirmations authority
// installed when nothing else is wired in: every high-risk tool call is
// treated as never pre-approved. Spec §9 leaves the pre-approval
// mechanism (TTL, revocation, per-user scoping) to a component outside
// the core; a deployer supplies a real one via Server.SetConfirmations.
type denyAllConfirmations struct{}

func (denyAllConfirmations) IsApproved(correlation string) bool   { return false }
func (denyAllConfirmations) WasRequested(correlation string) bool { return false }
