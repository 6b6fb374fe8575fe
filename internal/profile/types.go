package profile

// Profile is a patient's stored profile. Fields mirror the flat keys kept
// in the store: "displayName", "dob" (YYYY-MM-DD), "sex", "contact",
// "locale", "role", and the JSON lists "conditions" and "allergies".
type Profile struct {
	DisplayName string   `json:"displayName,omitempty"`
	DOB         string   `json:"dob,omitempty"`
	Sex         string   `json:"sex,omitempty"` // "male", "female" or "other"
	Contact     string   `json:"contact,omitempty"`
	Locale      string   `json:"locale,omitempty"`
	Role        string   `json:"role,omitempty"` // "patient", "doctor" or "admin"
	Conditions  []string `json:"conditions,omitempty"`
	Allergies   []string `json:"allergies,omitempty"`
}

// Keys lists the profile keys accepted by SetField.
var Keys = []string{"displayName", "dob", "sex", "contact", "locale", "role", "conditions", "allergies"}
