//go:build amd64 || arm64

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagedAccess(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("O_RDONLY", managedAccess(0x0010))
	assert.Equal("O_WRONLY", managedAccess(0x0001|0x0020|0x0080))
	assert.Equal("O_RDWR", managedAccess(0x0002|0x0040))
}
