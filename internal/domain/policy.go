package domain

// Policy はテナントが許可する証明書スコープの方針。
type Policy string

const (
	PolicyOffice Policy = "OFFICE"
	PolicyLawyer Policy = "LAWYER"
	PolicyHybrid Policy = "HYBRID"
)

// ParsePolicy は保存値をPolicyに変換する。未知の値・空値はOFFICEとして扱う。
func ParsePolicy(v string) Policy {
	switch Policy(v) {
	case PolicyLawyer:
		return PolicyLawyer
	case PolicyHybrid:
		return PolicyHybrid
	default:
		return PolicyOffice
	}
}

// ScopeAllowed はポリシーがスコープを許可するかどうかを返す。
func ScopeAllowed(policy Policy, scope Scope) bool {
	switch policy {
	case PolicyHybrid:
		return scope == ScopeOffice || scope == ScopeLawyer
	case PolicyLawyer:
		return scope == ScopeLawyer
	default:
		return scope == ScopeOffice
	}
}

// AllowedScopes はポリシーが許可するスコープの一覧を返す。
func (p Policy) AllowedScopes() []Scope {
	var scopes []Scope
	for _, s := range []Scope{ScopeOffice, ScopeLawyer} {
		if ScopeAllowed(p, s) {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
