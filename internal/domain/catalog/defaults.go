package catalog

// Question keys referenced outside the catalog.
const (
	KeyDailyMood        = "daily_mood"
	KeyDailyAnxiety     = "daily_anxiety"
	KeyDailySleepHours  = "daily_sleep_hours"
	KeyDailyEnergy      = "daily_energy"
	KeyDailyStress      = "daily_stress"
	KeyDailyFocus       = "daily_focus"
	KeyDailyNote        = "daily_note"
	KeyDailyIsolation   = "daily_isolation"
	KeyDailyHopeless    = "daily_hopeless"
	KeyDailyIrritable   = "daily_irritability"
	KeyDailyAppetite    = "daily_appetite"
	KeyDailyMotivation  = "daily_motivation"
	KeyDailySupport     = "daily_support"
	KeyDailyActivity    = "daily_activity"
	KeyDailyOverwhelm   = "daily_overwhelm"
	KeyDailyConfidence  = "daily_confidence"
	KeyDailyGratitude   = "daily_gratitude"
	KeyRapidMood        = "rapid_mood"
	KeyRapidAnxiety     = "rapid_anxiety"
	KeyRapidHopeless    = "rapid_hopeless"
	KeyRapidIsolation   = "rapid_isolation"
	KeyRapidSleep       = "rapid_sleep"
	KeyRapidAppetite    = "rapid_appetite"
	KeyRapidSupport     = "rapid_support"
	KeyRapidSelfHarm    = "rapid_self_harm_thoughts"
	KeyRapidPlan        = "rapid_self_harm_plan"
	KeyRapidSubstance   = "rapid_substance"
	KeyRapidAttention   = "rapid_attention_check"
	KeyJournalText      = "journal_text"
	attentionExpected   = "sometimes"
	rotatingScaleMax    = 5
	coreScaleMax        = 10
	sleepHoursMax       = 24
	sleepSeverityFloor  = 3
	sleepSeverityCeil   = 9
)

var goodOkayPoor = []string{"good", "okay", "poor"}

func scale(key, label, prompt string, maxValue float64, dir Direction, role Role) Question {
	return Question{
		Key: key, Label: label, Prompt: prompt, Kind: KindScale,
		Min: 1, Max: maxValue, Direction: dir, Role: role, Required: role == RoleCore,
	}
}

func boolean(key, label, prompt string, dir Direction, role Role) Question {
	return Question{
		Key: key, Label: label, Prompt: prompt, Kind: KindBoolean,
		Direction: dir, Role: role, Required: role == RoleCore,
	}
}

func text(key, label, prompt string, role Role) Question {
	return Question{
		Key: key, Label: label, Prompt: prompt, Kind: KindText,
		Direction: NoDirection, Role: role, Required: role == RoleCore,
	}
}

// DefaultDaily returns the daily check-in core and optional questions.
func DefaultDaily() []Question {
	return []Question{
		scale(KeyDailyMood, "Mood", "Overall mood today (1 = very low, 10 = very good)", coreScaleMax, LowerIsWorse, RoleCore),
		scale(KeyDailyAnxiety, "Anxiety", "Anxiety today (1 = none, 10 = extreme)", coreScaleMax, HigherIsWorse, RoleCore),
		{
			Key: KeyDailySleepHours, Label: "Sleep", Prompt: "Hours slept last night",
			Kind: KindNumber, Min: 0, Max: sleepHoursMax, Direction: LowerIsWorse,
			Role: RoleCore, Required: true, Anchors: [2]float64{sleepSeverityFloor, sleepSeverityCeil},
		},
		scale(KeyDailyEnergy, "Energy", "Energy today (1 = exhausted, 10 = energized)", coreScaleMax, LowerIsWorse, RoleCore),
		scale(KeyDailyStress, "Stress", "Stress today (1 = none, 10 = extreme)", coreScaleMax, HigherIsWorse, RoleCore),
		scale(KeyDailyFocus, "Focus", "Ability to focus today (1 = scattered, 10 = sharp)", coreScaleMax, LowerIsWorse, RoleCore),
		text(KeyDailyNote, "Note", "Anything else about today?", RoleOptional),
	}
}

// DefaultRotatingPool returns the rotating daily questions.
func DefaultRotatingPool() []Question {
	return []Question{
		boolean(KeyDailyIsolation, "Isolation", "Did you feel isolated today?", HigherIsWorse, RoleRotating),
		scale(KeyDailyHopeless, "Hopelessness", "How hopeless did you feel today? (1-5)", rotatingScaleMax, HigherIsWorse, RoleRotating),
		scale(KeyDailyIrritable, "Irritability", "How irritable were you today? (1-5)", rotatingScaleMax, HigherIsWorse, RoleRotating),
		scale(KeyDailyAppetite, "Appetite", "How disrupted was your appetite today? (1-5)", rotatingScaleMax, HigherIsWorse, RoleRotating),
		scale(KeyDailyMotivation, "Motivation", "How motivated did you feel today? (1-5)", rotatingScaleMax, LowerIsWorse, RoleRotating),
		boolean(KeyDailySupport, "Support", "Did you feel supported by someone today?", LowerIsWorse, RoleRotating),
		boolean(KeyDailyActivity, "Activity", "Did you get any physical activity today?", LowerIsWorse, RoleRotating),
		scale(KeyDailyOverwhelm, "Overwhelm", "How overwhelmed did you feel today? (1-5)", rotatingScaleMax, HigherIsWorse, RoleRotating),
		scale(KeyDailyConfidence, "Confidence", "How confident did you feel today? (1-5)", rotatingScaleMax, LowerIsWorse, RoleRotating),
		text(KeyDailyGratitude, "Gratitude", "Name one thing you were grateful for today.", RoleRotating),
	}
}

// DefaultRapid returns the rapid evaluation questions.
func DefaultRapid() []Question {
	return []Question{
		scale(KeyRapidMood, "Mood", "Mood right now (1 = very low, 10 = very good)", coreScaleMax, LowerIsWorse, RoleCore),
		scale(KeyRapidAnxiety, "Anxiety", "Anxiety right now (1 = none, 10 = extreme)", coreScaleMax, HigherIsWorse, RoleCore),
		boolean(KeyRapidHopeless, "Hopelessness", "Do you feel hopeless right now?", HigherIsWorse, RoleCore),
		boolean(KeyRapidIsolation, "Isolation", "Do you feel isolated right now?", HigherIsWorse, RoleCore),
		{
			Key: KeyRapidSleep, Label: "Sleep", Prompt: "How was your sleep recently?",
			Kind: KindChoice, Options: goodOkayPoor, Direction: HigherIsWorse, Role: RoleCore, Required: true,
		},
		{
			Key: KeyRapidAppetite, Label: "Appetite", Prompt: "How is your appetite recently?",
			Kind: KindChoice, Options: goodOkayPoor, Direction: HigherIsWorse, Role: RoleCore, Required: true,
		},
		boolean(KeyRapidSupport, "Support", "Do you have someone you can reach out to?", LowerIsWorse, RoleCore),
		boolean(KeyRapidSelfHarm, "Self-harm thoughts", "Are you having thoughts of harming yourself?", HigherIsWorse, RoleCore),
		boolean(KeyRapidPlan, "Self-harm plan", "Do you have a plan to harm yourself?", HigherIsWorse, RoleCore),
		boolean(KeyRapidSubstance, "Substance use", "Have you used alcohol or drugs to cope today?", HigherIsWorse, RoleCore),
		{
			Key: KeyRapidAttention, Label: "Attention check", Prompt: "To show you are reading, choose \"Sometimes\".",
			Kind: KindChoice, Options: []string{"never", "sometimes", "often"}, Direction: NoDirection,
			Role: RoleCore, Required: true, Expected: attentionExpected,
		},
	}
}

// DefaultJournal returns the journal questions.
func DefaultJournal() []Question {
	return []Question{
		text(KeyJournalText, "Journal", "Write about how you are doing.", RoleCore),
	}
}
