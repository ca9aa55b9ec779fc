package providers

import "strings"

// providerHint maps well-known endpoint failures to a configuration hint.
func providerHint(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "invalid api-key") ||
		strings.Contains(lower, "incorrect api key provided") ||
		strings.Contains(lower, "invalidapikey"):
		return "Hint: set providers.reply.api_key / providers.vision.api_key or FISHAGENT_PROVIDERS_REPLY_API_KEY."
	case strings.Contains(lower, "download the media resource") ||
		strings.Contains(lower, "url error"):
		return "Hint: the model endpoint could not fetch the image url; the describer retries with inline image data."
	case strings.Contains(lower, "model_not_found") ||
		strings.Contains(lower, "model not exist"):
		return "Hint: check providers.*.model against the models served by providers.*.api_base."
	}
	return ""
}
