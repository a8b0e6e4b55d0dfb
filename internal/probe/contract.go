package probe

import (
	"fmt"
	"sort"
)

// ContractHeader lets the diagnostic endpoint announce which marker contract
// its rendered page follows.
const ContractHeader = "X-Error-Scrape-Contract"

// Contract pins the failure marker the error-scrape page renders when a
// plugin fails to activate.
type Contract struct {
	Version       string
	FailureMarker string
}

var contracts = map[string]Contract{
	"v1": {Version: "v1", FailureMarker: "wp-die-message"},
}

// LookupContract returns the contract registered under version.
func LookupContract(version string) (Contract, error) {
	c, ok := contracts[version]
	if !ok {
		return Contract{}, fmt.Errorf("unknown error scrape contract %q (known: %v)", version, KnownContracts())
	}
	return c, nil
}

// KnownContracts lists the registered contract versions.
func KnownContracts() []string {
	versions := make([]string, 0, len(contracts))
	for v := range contracts {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
