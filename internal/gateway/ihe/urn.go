package ihe

import (
	"fmt"
	"strings"
	"time"
)

const (
	urnOID  = "urn:oid:"
	urnUUID = "urn:uuid:"
)

// StripURNPrefix removes a leading urn:oid: or urn:uuid: in any case.
func StripURNPrefix(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range []string{urnOID, urnUUID} {
		if strings.HasPrefix(lower, p) {
			return s[len(p):]
		}
	}
	return s
}

// WrapURNOID prefixes an OID with urn:oid: unless it already carries it.
func WrapURNOID(oid string) string {
	if oid == "" {
		return ""
	}
	return urnOID + StripURNPrefix(oid)
}

// WrapURNUUID prefixes a UUID with urn:uuid: unless it already carries it.
func WrapURNUUID(id string) string {
	if id == "" {
		return ""
	}
	return urnUUID + StripURNPrefix(id)
}

// ---------------------------------------------------------------------------
// HL7 timestamps
// ---------------------------------------------------------------------------

// HL7TimestampLayout is the TS format used for creationTime and registry
// date slots.
const HL7TimestampLayout = "20060102150405"

// FormatHL7Timestamp renders t in UTC as YYYYMMDDHHmmss.
func FormatHL7Timestamp(t time.Time) string {
	return t.UTC().Format(HL7TimestampLayout)
}

// ParseHL7Timestamp reads a TS value of year to second precision. Missing
// trailing parts default to their minimum; fractions and zone offsets are
// ignored and the result is UTC.
func ParseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".+-"); i >= 0 {
		s = s[:i]
	}
	switch len(s) {
	case 4, 6, 8, 10, 12, 14:
	default:
		return time.Time{}, fmt.Errorf("hl7 timestamp %q: unexpected length", s)
	}
	return time.ParseInLocation(HL7TimestampLayout[:len(s)], s, time.UTC)
}

// HL7DateFromISO converts a YYYY-MM-DD date into YYYYMMDD. Values that are
// already compact pass through with anything past the day dropped.
func HL7DateFromISO(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// ISODateFromHL7 reduces an HL7 TS value to a YYYY-MM-DD date. Time of day,
// fractional seconds and zone offsets are dropped. Values shorter than a
// full date, or with non-digit date parts, yield "".
func ISODateFromHL7(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "-") && len(s) >= 10 {
		// Some peers send ISO dates despite the TS type.
		s = strings.ReplaceAll(s[:10], "-", "")
	}
	if len(s) < 8 {
		return ""
	}
	d := s[:8]
	for _, r := range d {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:8]
}

// ---------------------------------------------------------------------------
// Administrative gender
// ---------------------------------------------------------------------------

// GenderFromHL7 maps M and F onto male and female. Anything else, including
// an absent code, yields "".
func GenderFromHL7(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "M":
		return "male"
	case "F":
		return "female"
	default:
		return ""
	}
}

// GenderToHL7 is the inverse of GenderFromHL7; unknown genders map to UN.
func GenderToHL7(gender string) string {
	switch gender {
	case "male":
		return "M"
	case "female":
		return "F"
	default:
		return "UN"
	}
}
