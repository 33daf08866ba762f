package models

// AccessLevel is a hosting-service group access rank. Higher values grant more.
type AccessLevel int

const (
	AccessGuest      AccessLevel = 10
	AccessReporter   AccessLevel = 20
	AccessDeveloper  AccessLevel = 30
	AccessMaintainer AccessLevel = 40
	AccessOwner      AccessLevel = 50
)

func (l AccessLevel) String() string {
	switch l {
	case AccessGuest:
		return "guest"
	case AccessReporter:
		return "reporter"
	case AccessDeveloper:
		return "developer"
	case AccessMaintainer:
		return "maintainer"
	case AccessOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// IsValid reports whether l is one of the defined ranks.
func (l AccessLevel) IsValid() bool {
	switch l {
	case AccessGuest, AccessReporter, AccessDeveloper, AccessMaintainer, AccessOwner:
		return true
	}
	return false
}
