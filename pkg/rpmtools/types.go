// Package rpmtools drives RPM install, update and remove operations through a
// package-manager engine, translating the engine's transaction callbacks into
// a progress.Report and summarizing the finished transaction.
package rpmtools

import (
	"fmt"
	"strconv"
)

// TxState is the transaction state of a member, as assigned by the engine.
// The same codes identify per-package actions in RPM callbacks.
type TxState int

// Transaction states.
const (
	TxUpdate      TxState = 10
	TxInstall     TxState = 20
	TxTrueInstall TxState = 30
	TxErase       TxState = 40
	TxObsoleted   TxState = 50
	TxObsoleting  TxState = 60
	TxAvailable   TxState = 70
	TxUpdated     TxState = 90
	TxFailed      TxState = 100

	// TxRepackaging is only reported as a package action.
	TxRepackaging TxState = 200
)

// String returns the decimal form of the state code.
func (s TxState) String() string {
	return strconv.Itoa(int(s))
}

// Package identifies one RPM.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Release string `json:"release"`
	Epoch   string `json:"epoch"`
	Arch    string `json:"arch"`
}

// String renders name-version-release.arch, prefixed with "epoch:" when the
// epoch is greater than zero.
func (p Package) String() string {
	if n, err := strconv.Atoi(p.Epoch); err == nil && n > 0 {
		return fmt.Sprintf("%s:%s-%s-%s.%s", p.Epoch, p.Name, p.Version, p.Release, p.Arch)
	}
	return p.QualifiedName()
}

// QualifiedName renders name-version-release.arch. The epoch is never included.
func (p Package) QualifiedName() string {
	return fmt.Sprintf("%s-%s-%s.%s", p.Name, p.Version, p.Release, p.Arch)
}

// Member is one package's participation in a transaction.
type Member struct {
	State   TxState `json:"state"`
	Package Package `json:"package"`
	RepoID  string  `json:"repo_id"`
	IsDep   bool    `json:"is_dep"`
}

// PackageRecord is the summary entry for one transaction member.
type PackageRecord struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Release       string `json:"release"`
	Epoch         string `json:"epoch"`
	Arch          string `json:"arch"`
	RepoID        string `json:"repoid"`
	QualifiedName string `json:"qname"`
}

// Summary classifies the members of a finished (or previewed) transaction.
type Summary struct {
	Resolved []PackageRecord `json:"resolved"`
	Deps     []PackageRecord `json:"deps"`
	Failed   []PackageRecord `json:"failed"`
}
