package domain

// FieldClass binds a per-record field name to the identity type it yields.
type FieldClass struct {
	Field string
	Type  IdentityType
}

// MatchedIdentityField is the pre-extracted shortcut field upstream engines
// may populate on a match. It is always consulted before the per-record
// field scan.
const MatchedIdentityField = "matched_identity"

// IdentityFieldOrder is the single source of truth for which per-record
// fields can yield an identity and in what priority. Rule field-name
// coverage depends on this exact order: path variants first, then
// name/application variants, then hash variants, then user variants.
var IdentityFieldOrder = []FieldClass{
	{Field: "file_path", Type: IdentityTypeFilePath},
	{Field: "full_path", Type: IdentityTypeFilePath},
	{Field: "path", Type: IdentityTypeFilePath},
	{Field: "executable_name", Type: IdentityTypeApplication},
	{Field: "process_name", Type: IdentityTypeApplication},
	{Field: "application", Type: IdentityTypeApplication},
	{Field: "name", Type: IdentityTypeApplication},
	{Field: "sha256", Type: IdentityTypeHash},
	{Field: "sha1", Type: IdentityTypeHash},
	{Field: "md5", Type: IdentityTypeHash},
	{Field: "hash", Type: IdentityTypeHash},
	{Field: "user_name", Type: IdentityTypeUser},
	{Field: "user", Type: IdentityTypeUser},
}

// IdentityFieldNames returns the ordered field names, shortcut first.
// The semantic processor seeds synthetic lookup records with every one of
// these so rules written against record fields still match bare identities.
func IdentityFieldNames() []string {
	names := make([]string, 0, len(IdentityFieldOrder)+1)
	names = append(names, MatchedIdentityField)
	for _, fc := range IdentityFieldOrder {
		names = append(names, fc.Field)
	}
	return names
}

// ExtractIdentity scans a record payload for the highest-priority
// identity-bearing field with a non-empty string value.
func ExtractIdentity(payload map[string]any) (string, IdentityType, bool) {
	if payload == nil {
		return "", "", false
	}
	for _, fc := range IdentityFieldOrder {
		raw, ok := payload[fc.Field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if NormalizeIdentity(s) == "" {
			continue
		}
		return s, fc.Type, true
	}
	return "", "", false
}
