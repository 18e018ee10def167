package handlers

import (
	"fmt"
	"time"

	"github.com/thedevsaddam/gojsonq/v2"
)

// ParseStatusMessage reads an administrator status notification from its
// JSON payload. Only the fields the engine correlates and decides on are
// extracted; everything else in the payload is connector business.
func ParseStatusMessage(payload []byte) (StatusMessage, error) {
	jq := gojsonq.New().FromString(string(payload))

	kind, ok := jq.Copy().Find("kind").(string)
	if !ok || kind == "" {
		return StatusMessage{}, fmt.Errorf("status message without kind")
	}
	msg := StatusMessage{Kind: MessageKind(kind)}
	msg.ConversationID, _ = jq.Copy().Find("conversationId").(string)
	if msg.ConversationID == "" {
		return StatusMessage{}, fmt.Errorf("status message without conversationId")
	}
	msg.MessageID, _ = jq.Copy().Find("messageId").(string)

	consents, _ := jq.Copy().Find("consents").([]interface{})
	for _, raw := range consents {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		outcome := ConsentOutcome{}
		outcome.ConsentID, _ = entry["consentId"].(string)
		outcome.MeteringPointID, _ = entry["meteringPointId"].(string)
		codes, _ := entry["codes"].([]interface{})
		for _, c := range codes {
			if n, ok := c.(float64); ok {
				outcome.Codes = append(outcome.Codes, int(n))
			}
		}
		msg.Consents = append(msg.Consents, outcome)
	}
	return msg, nil
}

// ParseRevocationMessage reads an administrator initiated revocation from
// its JSON payload.
func ParseRevocationMessage(payload []byte) (RevocationMessage, error) {
	jq := gojsonq.New().FromString(string(payload))

	msg := RevocationMessage{}
	msg.ConsentID, _ = jq.Copy().Find("consentId").(string)
	msg.MeteringPointID, _ = jq.Copy().Find("meteringPointId").(string)
	if msg.ConsentID == "" && msg.MeteringPointID == "" {
		return RevocationMessage{}, fmt.Errorf("revocation without consentId or meteringPointId")
	}
	if raw, ok := jq.Copy().Find("processDate").(string); ok && raw != "" {
		date, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			date, err = time.Parse("2006-01-02", raw)
		}
		if err != nil {
			return RevocationMessage{}, fmt.Errorf("revocation with unparsable processDate %q", raw)
		}
		msg.ProcessDate = date
	}
	return msg, nil
}
