package guardrail

// Resource is a crisis support contact surfaced whenever the guardrail
// triggers.
type Resource struct {
	Name        string `json:"name"`
	Contact     string `json:"contact"`
	Description string `json:"description"`
}

// Resources returns the safety resources shown to a user in crisis.
func Resources() []Resource {
	return []Resource{
		{
			Name:        "988 Suicide & Crisis Lifeline",
			Contact:     "Call or text 988",
			Description: "Free, confidential support 24/7 in the United States.",
		},
		{
			Name:        "Emergency services",
			Contact:     "Call 911 or your local emergency number",
			Description: "If you are in immediate danger, contact emergency services now.",
		},
		{
			Name:        "International helplines",
			Contact:     "https://findahelpline.com",
			Description: "Find a crisis line in your country.",
		},
	}
}
