package rpmtools

// TxSummary builds a Summary from members whose state is one of states.
// Members outside states are dropped before bucketing, so failed members
// only appear when TxFailed is among the states.
func TxSummary(members []Member, states ...TxState) Summary {
	allowed := make(map[TxState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}

	summary := Summary{
		Resolved: []PackageRecord{},
		Deps:     []PackageRecord{},
		Failed:   []PackageRecord{},
	}
	for _, m := range members {
		if !allowed[m.State] {
			continue
		}
		rec := newRecord(m)
		summary.Resolved = append(summary.Resolved, rec)
		if m.IsDep {
			summary.Deps = append(summary.Deps, rec)
		}
		if m.State == TxFailed {
			summary.Failed = append(summary.Failed, rec)
		}
	}
	return summary
}

// Installed summarizes an install transaction.
func Installed(members []Member) Summary {
	return TxSummary(members, TxFailed, TxInstall, TxUpdate)
}

// Updated summarizes an update transaction. It uses the same states as
// Installed.
func Updated(members []Member) Summary {
	return TxSummary(members, TxFailed, TxInstall, TxUpdate)
}

// Erased summarizes a remove transaction.
func Erased(members []Member) Summary {
	return TxSummary(members, TxFailed, TxErase)
}

func newRecord(m Member) PackageRecord {
	p := m.Package
	return PackageRecord{
		Name:          p.Name,
		Version:       p.Version,
		Release:       p.Release,
		Epoch:         p.Epoch,
		Arch:          p.Arch,
		RepoID:        m.RepoID,
		QualifiedName: p.QualifiedName(),
	}
}
