package catalog

// IsGroupAllowed implements the stage-4 group allow-list check (spec
// §4.8 stage 4): a tool with no AllowedGroups is open to every group;
// otherwise the calling envelope's group must appear in the list.
func IsGroupAllowed(decl Declaration, group string) bool {
	if len(decl.AllowedGroups) == 0 {
		return true
	}
	for _, g := range decl.AllowedGroups {
		if g == group {
			return true
		}
	}
	return false
}
