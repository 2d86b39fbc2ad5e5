package main

import (
	"bytes"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/sources/memory"
	"chatrelay/chatrelay/utils/color"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.Disable()
}

func TestREPLStreamsAndKeepsConversation(t *testing.T) {
	store := memory.NewStore()
	gen := llm.NewClientWithProvider(&llm.MockProvider{Delay: time.Millisecond}, "", 0, nil)
	relay := controllers.NewRelayController(store, gen, time.Second)

	in := strings.NewReader("hello\n\nagain\nexit\n")
	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), relay, in, &out, true))

	assert.Contains(t, out.String(), `Mock response to: "hello"...`)
	assert.Contains(t, out.String(), `Mock response to: "again"...`)

	all := store.ListAll()
	require.Len(t, all, 1, "both turns land in one conversation")
	assert.Len(t, all[0].Messages, 4)
}

func TestREPLNonStreaming(t *testing.T) {
	store := memory.NewStore()
	gen := llm.NewClientWithProvider(llm.NewMockProvider(), "", 0, nil)
	relay := controllers.NewRelayController(store, gen, time.Second)

	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), relay, strings.NewReader("hi\n"), &out, false))
	assert.Contains(t, out.String(), `relay> Mock response to: "hi"...`)
}
