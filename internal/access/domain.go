package access

import "strings"

// Domain identifies one of the portal's tenant surfaces.
type Domain string

const (
	DomainManagement Domain = "management"
	DomainFleet      Domain = "fleet"
	DomainOperations Domain = "operations"
	DomainFinance    Domain = "finance"
)

var allDomains = []Domain{DomainManagement, DomainFleet, DomainOperations, DomainFinance}

// knownHosts are the hosted preview/production hostnames mapped to domains.
var knownHosts = map[string]Domain{
	"management-koormatics.vercel.app": DomainManagement,
	"fleet-koormatics.vercel.app":      DomainFleet,
	"operations-koormatics.vercel.app": DomainOperations,
	"finance-koormatics.vercel.app":    DomainFinance,
}

// ResolveDomain maps a request hostname to a tenant domain. Pure function,
// precedence fixed, first match wins:
//
//  1. explicit environment override
//  2. ?domain= query parameter when it names a known domain
//  3. empty or loopback ("127.") hostnames resolve to management
//  4. exact match against the hosted hostnames
//  5. first dot-delimited hostname label, exact or "<domain>-" prefix
//  6. default: management
func ResolveDomain(hostname, queryParam, envOverride string) Domain {
	if d, ok := parseDomain(envOverride); ok {
		return d
	}
	if d, ok := parseDomain(queryParam); ok {
		return d
	}

	hostname = strings.TrimSpace(strings.ToLower(hostname))
	if hostname == "" || strings.HasPrefix(hostname, "127.") {
		return DomainManagement
	}
	if d, ok := knownHosts[hostname]; ok {
		return d
	}

	label := hostname
	if idx := strings.IndexByte(hostname, '.'); idx >= 0 {
		label = hostname[:idx]
	}
	for _, d := range allDomains {
		if label == string(d) || strings.HasPrefix(label, string(d)+"-") {
			return d
		}
	}
	return DomainManagement
}

func parseDomain(raw string) (Domain, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	for _, d := range allDomains {
		if raw == string(d) {
			return d, true
		}
	}
	return "", false
}

// roleDomains maps role tags to the tenant domains they operate in.
// super_admin is handled separately and spans every domain.
var roleDomains = map[string][]Domain{
	"admin":              {DomainManagement},
	"manager":            {DomainManagement},
	"fleet_manager":      {DomainFleet},
	"fleet_staff":        {DomainFleet},
	"operations_manager": {DomainOperations},
	"dispatcher":         {DomainOperations},
	"finance_manager":    {DomainFinance},
	"accountant":         {DomainFinance},
}

// ScopeFor reports whether any of the given roles permits operating within
// the domain.
func ScopeFor(roles RoleSet, domain Domain) bool {
	if roles.Has(RoleSuperAdmin) {
		return true
	}
	for _, role := range roles {
		for _, d := range roleDomains[role] {
			if d == domain {
				return true
			}
		}
	}
	return false
}
