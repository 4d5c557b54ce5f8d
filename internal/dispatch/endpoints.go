package dispatch

// Interchangeable Antigravity base URLs, in preference order. The sandbox
// daily host tolerates the agent workload best; prod is the last resort.
const (
	antigravitySandboxBaseURLDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	antigravityBaseURLDaily        = "https://daily-cloudcode-pa.googleapis.com"
	antigravityBaseURLProd         = "https://cloudcode-pa.googleapis.com"

	antigravityStreamPath   = "/v1internal:streamGenerateContent"
	antigravityGeneratePath = "/v1internal:generateContent"
	antigravityModelsPath   = "/v1internal:fetchAvailableModels"
)

func defaultAntigravityEndpoints() []string {
	return []string{
		antigravitySandboxBaseURLDaily,
		antigravityBaseURLDaily,
		antigravityBaseURLProd,
	}
}

// kiroTierAllowedModels gates model ids by subscription tier. An absent tier
// or empty list allows everything, matching legacy accounts that predate
// tiering.
var kiroTierAllowedModels = map[string][]string{
	"FREE": {
		"claude-haiku-4-5",
		"auto",
	},
}

func kiroTierAllows(subscription, modelID string) bool {
	allowed, ok := kiroTierAllowedModels[subscription]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == modelID {
			return true
		}
	}
	return false
}
