// Package fields defines the closed set of SmartSuite field types and the
// codec that maps field values to and from their storage columns.
package fields

import "encoding/json"

// Type identifies a SmartSuite field type.
type Type string

// The full SmartSuite field-type catalogue.
const (
	TypeRecordTitle   Type = "recordtitlefield"
	TypeText          Type = "textfield"
	TypeTextArea      Type = "textareafield"
	TypeRichText      Type = "richtextareafield"
	TypeNumber        Type = "numberfield"
	TypeNumberSlider  Type = "numbersliderfield"
	TypePercent       Type = "percentfield"
	TypeCurrency      Type = "currencyfield"
	TypeRating        Type = "ratingfield"
	TypeYesNo         Type = "yesnofield"
	TypeSingleSelect  Type = "singleselectfield"
	TypeMultiSelect   Type = "multipleselectfield"
	TypeStatus        Type = "statusfield"
	TypeDate          Type = "datefield"
	TypeDueDate       Type = "duedatefield"
	TypeDateRange     Type = "daterangefield"
	TypeTime          Type = "timefield"
	TypeDuration      Type = "durationfield"
	TypeTimeTracking  Type = "timetrackingfield"
	TypeTags          Type = "tagsfield"
	TypeEmail         Type = "emailfield"
	TypePhone         Type = "phonefield"
	TypeAddress       Type = "addressfield"
	TypeLink          Type = "linkfield"
	TypeFullName      Type = "fullnamefield"
	TypeUser          Type = "userfield"
	TypeLinkedRecord  Type = "linkedrecordfield"
	TypeSubItems      Type = "subitemsfield"
	TypeChecklist     Type = "checklistfield"
	TypeFile          Type = "filefield"
	TypeImage         Type = "imagefield"
	TypeSignature     Type = "signaturefield"
	TypeVote          Type = "votefield"
	TypeColorPicker   Type = "colorpickerfield"
	TypeIPAddress     Type = "ipaddressfield"
	TypeSocialNetwork Type = "socialnetworkfield"
	TypeFirstCreated  Type = "firstcreatedfield"
	TypeLastUpdated   Type = "lastupdatedfield"
	TypeDeletedDate   Type = "deleteddatefield"
	TypeAutoNumber    Type = "autonumberfield"
	TypeFormula       Type = "formulafield"
	TypeCount         Type = "countfield"
	TypeRollup        Type = "rollupfield"
	TypeLookup        Type = "lookupfield"
	TypeCommentsCount Type = "commentscountfield"
	TypeButton        Type = "buttonfield"
)

// jsonArrayTypes are the field types whose principal column holds JSON array
// text. Membership is exact-match: substring checks mis-classify types such as
// linkedrecordfield (contains "link") and richtextareafield (contains "text").
var jsonArrayTypes = map[Type]bool{
	TypeUser:         true,
	TypeMultiSelect:  true,
	TypeLinkedRecord: true,
	TypeSubItems:     true,
	TypeTags:         true,
	TypeFile:         true,
	TypeImage:        true,
}

// textTypes are the field types whose principal column holds plain text and
// whose is_empty semantics treat the empty string as empty.
var textTypes = map[Type]bool{
	TypeRecordTitle: true,
	TypeText:        true,
	TypeTextArea:    true,
	TypeEmail:       true,
	TypePhone:       true,
	TypeLink:        true,
	TypeIPAddress:   true,
	TypeAutoNumber:  true,
	TypeTime:        true,
}

// numericTypes store a single REAL column.
var numericTypes = map[Type]bool{
	TypeNumber:        true,
	TypeNumberSlider:  true,
	TypePercent:       true,
	TypeCurrency:      true,
	TypeRating:        true,
	TypeDuration:      true,
	TypeCount:         true,
	TypeCommentsCount: true,
}

// IsJSONArray reports whether the type stores a JSON array in its principal
// column.
func (t Type) IsJSONArray() bool { return jsonArrayTypes[t] }

// IsText reports whether the type stores plain text in its principal column.
func (t Type) IsText() bool { return textTypes[t] }

// IsNumeric reports whether the type stores a single REAL column.
func (t Type) IsNumeric() bool { return numericTypes[t] }

// IsDateLike reports whether the type's principal column holds an ISO-8601
// timestamp and participates in date operator handling.
func (t Type) IsDateLike() bool {
	switch t {
	case TypeDate, TypeDueDate, TypeDateRange, TypeFirstCreated, TypeLastUpdated, TypeDeletedDate:
		return true
	}
	return false
}

// Choice is one option of a select or status field.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Color string `json:"value_color,omitempty"`
}

// Params carries the per-field parameters the cache depends on. Unrecognised
// upstream params are dropped.
type Params struct {
	Primary           bool     `json:"primary,omitempty"`
	Choices           []Choice `json:"choices,omitempty"`
	LinkedApplication string   `json:"linked_application,omitempty"`
	IncludeTime       bool     `json:"include_time,omitempty"`
	DisplayFormat     string   `json:"display_format,omitempty"`
}

// Field describes one field of a table structure.
type Field struct {
	Slug   string `json:"slug"`
	Label  string `json:"label"`
	Type   Type   `json:"field_type"`
	Params Params `json:"params,omitempty"`
}

// Structure is the ordered field catalogue of a table.
type Structure []Field

// Find returns the field with the given slug.
func (s Structure) Find(slug string) (Field, bool) {
	for _, f := range s {
		if f.Slug == slug {
			return f, true
		}
	}
	return Field{}, false
}

// Slugs returns the slug set of the structure.
func (s Structure) Slugs() map[string]bool {
	out := make(map[string]bool, len(s))
	for _, f := range s {
		out[f.Slug] = true
	}
	return out
}

// ParseStructure decodes a structure from upstream JSON.
func ParseStructure(raw []byte) (Structure, error) {
	var s Structure
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}
