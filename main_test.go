package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://app:****@db:5432/estate", maskConnectionString("postgres://app:s3cr3t@db:5432/estate"))
	assert.Equal(t, "postgres://db:5432/estate", maskConnectionString("postgres://db:5432/estate"))
	assert.Equal(t, "postgres://app@db/estate", maskConnectionString("postgres://app@db/estate"))
	assert.Equal(t, "not a url", maskConnectionString("not a url"))
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "work", "import", "status", "migrate", "searches"}, names)
}
