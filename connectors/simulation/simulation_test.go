package simulation

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/handlers"
)

func TestScriptedReply_ResolvesUnknownMeteringPoint(t *testing.T) {
	c := New(nil)
	request := permission.New(uuid.New())

	payload, err := c.scriptedReply(request, "conv-1", "msg-1")
	require.NoError(t, err)

	msg, err := handlers.ParseStatusMessage([]byte(payload))
	require.NoError(t, err)
	require.Len(t, msg.Consents, 1)
	consent := msg.Consents[0]
	assert.Equal(t, "SIM-CONSENT-000001", consent.ConsentID)
	assert.Equal(t, "SIM-MP-000001", consent.MeteringPointID)
	assert.Equal(t, []int{handlers.CodeAccepted}, consent.Codes)
}

func TestScriptedReply_NumbersStayPairedUnderConcurrency(t *testing.T) {
	c := New(nil)

	const replies = 32
	payloads := make([]string, replies)
	var wg sync.WaitGroup
	wg.Add(replies)
	for i := 0; i < replies; i++ {
		go func(i int) {
			defer wg.Done()
			payload, err := c.scriptedReply(permission.New(uuid.New()), "conv", "msg")
			if assert.NoError(t, err) {
				payloads[i] = payload
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, payload := range payloads {
		msg, err := handlers.ParseStatusMessage([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.Consents, 1)
		consent := msg.Consents[0]
		assert.Equal(t,
			strings.TrimPrefix(consent.ConsentID, "SIM-CONSENT-"),
			strings.TrimPrefix(consent.MeteringPointID, "SIM-MP-"),
			"consent and resolved metering point carry the same number")
		assert.False(t, seen[consent.ConsentID], "consent ids are unique")
		seen[consent.ConsentID] = true
	}
}
