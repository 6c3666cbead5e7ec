package normalize

import (
	"regexp"
	"strings"

	"github.com/shogotsuneto/go-simple-mirror"
)

// typeMatcher inspects payload fields and proposes a canonical type along with
// the field it consumed, if any.
type typeMatcher func(fields map[string]any) (typ, key string, ok bool)

// typeMatchers run in priority order; the first match wins.
var typeMatchers = []typeMatcher{
	explicitType,
	kindLookup,
	schemaPattern,
	structuralHint,
}

func inferType(fields map[string]any) (string, string) {
	for _, match := range typeMatchers {
		if t, key, ok := match(fields); ok {
			return t, key
		}
	}
	return "", ""
}

func explicitType(fields map[string]any) (string, string, bool) {
	t := strings.TrimSpace(stringField(fields, "type"))
	if t == "" {
		return "", "", false
	}
	return strings.ToUpper(t), "type", true
}

// kindTable maps historical "kind" values to canonical types.
var kindTable = map[string]string{
	"contact_request":     mirror.TypeContactRequest,
	"connection_request":  mirror.TypeContactRequest,
	"contact_accept":      mirror.TypeContactAccept,
	"contact_accepted":    mirror.TypeContactAccept,
	"connection_accepted": mirror.TypeContactAccept,
	"trust":               mirror.TypeTrustAllocate,
	"allocate":            mirror.TypeTrustAllocate,
	"trust_allocate":      mirror.TypeTrustAllocate,
	"trust_allocation":    mirror.TypeTrustAllocate,
	"trust_accept":        mirror.TypeTrustAccept,
	"trust_accepted":      mirror.TypeTrustAccept,
	"trust_decline":       mirror.TypeTrustDecline,
	"trust_declined":      mirror.TypeTrustDecline,
	"revoke":              mirror.TypeTrustRevoke,
	"trust_revoke":        mirror.TypeTrustRevoke,
	"trust_revoked":       mirror.TypeTrustRevoke,
	"mint":                mirror.TypeTokenMint,
	"recognition_mint":    mirror.TypeTokenMint,
	"transfer":            mirror.TypeTokenTransfer,
	"burn":                mirror.TypeTokenBurn,
	"profile":             mirror.TypeProfileUpdate,
	"profile_update":      mirror.TypeProfileUpdate,
	"signal":              mirror.TypeSignal,
}

func kindLookup(fields map[string]any) (string, string, bool) {
	kind := strings.ToLower(strings.TrimSpace(stringField(fields, "kind")))
	if kind == "" {
		return "", "", false
	}
	kind = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(kind)
	t, ok := kindTable[kind]
	return t, "kind", ok
}

type schemaRule struct {
	pattern *regexp.Regexp
	typ     string
}

// schemaRules are checked in order, most specific first.
var schemaRules = []schemaRule{
	{regexp.MustCompile(`contact.*request`), mirror.TypeContactRequest},
	{regexp.MustCompile(`contact.*accept`), mirror.TypeContactAccept},
	{regexp.MustCompile(`trust.*revoke`), mirror.TypeTrustRevoke},
	{regexp.MustCompile(`trust.*decline`), mirror.TypeTrustDecline},
	{regexp.MustCompile(`trust.*accept`), mirror.TypeTrustAccept},
	{regexp.MustCompile(`trust`), mirror.TypeTrustAllocate},
	{regexp.MustCompile(`(recognition|token|nft).*mint`), mirror.TypeTokenMint},
	{regexp.MustCompile(`(token|nft).*transfer`), mirror.TypeTokenTransfer},
	{regexp.MustCompile(`(token|nft).*burn`), mirror.TypeTokenBurn},
	{regexp.MustCompile(`profile|hcs-11`), mirror.TypeProfileUpdate},
	{regexp.MustCompile(`signal`), mirror.TypeSignal},
}

// schemaPattern leaves the schema field in place; it stays useful metadata.
func schemaPattern(fields map[string]any) (string, string, bool) {
	schema := strings.ToLower(strings.TrimSpace(stringField(fields, "schema")))
	if schema == "" {
		return "", "", false
	}
	for _, rule := range schemaRules {
		if rule.pattern.MatchString(schema) {
			return rule.typ, "", true
		}
	}
	return "", "", false
}

func structuralHint(fields map[string]any) (string, string, bool) {
	_, hasTo := fields["to"]
	_, hasFrom := fields["from"]
	hasToken := tokenID(fields) != ""

	switch {
	case hasToken && hasTo && hasFrom:
		return mirror.TypeTokenTransfer, "", true
	case hasToken && hasTo:
		return mirror.TypeTokenMint, "", true
	case hasTo && (fields["amount"] != nil || fields["weight"] != nil):
		return mirror.TypeTrustAllocate, "", true
	}
	return "", "", false
}

// actorKeys and targetKeys list historical field names, most preferred first.
var (
	actorKeys  = []string{"actor", "from", "sender", "issuer", "operator", "accountId", "account_id", "account", "author"}
	targetKeys = []string{"target", "to", "recipient", "peer", "peerId", "peer_id", "owner", "subject"}
	// nestedAccountKeys are the keys of an {acct: ...} style nested identity
	nestedAccountKeys = []string{"acct", "accountId", "account_id", "account", "id"}
)

// extractAccount returns the first non-empty identity among keys and the key
// it was found under.
func extractAccount(fields map[string]any, keys []string) (string, string) {
	for _, key := range keys {
		if id := accountValue(fields[key]); id != "" {
			return id, key
		}
	}
	return "", ""
}

func accountValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, key := range nestedAccountKeys {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func tokenID(fields map[string]any) string {
	return mirror.TokenIDFrom(fields)
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
