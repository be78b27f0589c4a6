package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9072/health", healthURL(":9072"))
	assert.Equal(t, "http://localhost:9072/health", healthURL("0.0.0.0:9072"))
	assert.Equal(t, "http://127.0.0.1:8080/health", healthURL("127.0.0.1:8080"))
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "healthcheck"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
