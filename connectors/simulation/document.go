package simulation

import (
	"encoding/json"
	"regexp"

	"github.com/cbroglie/mustache"
	"github.com/thedevsaddam/gojsonq/v2"
)

// The administrator reply document, in the same shape real connectors
// receive over their brokers.
const statusTemplate = `{
  "kind": "{{kind}}",
  "conversationId": "{{conversationId}}",
  "messageId": "{{messageId}}",
  "consents": [
    {{#consents}}
    {
      "consentId": "{{consentId}}",
      "meteringPointId": "{{meteringPointId}}",
      "codes": [{{code}}]
    },
    {{/consents}}
  ]
}`

type consentView struct {
	ConsentID       string
	MeteringPointID string
	Code            int
}

type statusView struct {
	Kind           string
	ConversationID string
	MessageID      string
	Consents       []consentView
}

// mustache cannot express a comma separated list without a trailing comma,
// so the render is post-processed before the JSON check.
var trailingComma = regexp.MustCompile(`\},(\s*)]`)

func renderStatus(view statusView) (string, error) {
	consents := make([]map[string]interface{}, len(view.Consents))
	for i, c := range view.Consents {
		consents[i] = map[string]interface{}{
			"consentId":       c.ConsentID,
			"meteringPointId": c.MeteringPointID,
			"code":            c.Code,
		}
	}
	viewModel := map[string]interface{}{
		"kind":           view.Kind,
		"conversationId": view.ConversationID,
		"messageId":      view.MessageID,
		"consents":       consents,
	}
	res, err := mustache.Render(statusTemplate, viewModel)
	if err != nil {
		return "", err
	}
	res = trailingComma.ReplaceAllString(res, `}$1]`)
	return cleanupJSON(res)
}

func cleanupJSON(value string) (string, error) {
	var parsed interface{}
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return "", err
	}
	clean, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(clean), nil
}

func gjsonField(payload, field string) string {
	value, _ := gojsonq.New().FromString(payload).Find(field).(string)
	return value
}
