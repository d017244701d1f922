package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		errMsg string
	}{
		{name: "relative database file", path: "data/channelgate.db"},
		{name: "absolute config file", path: "/etc/channelgate/config.yaml"},
		{name: "dotted name is not traversal", path: "..channelgate.db"},
		{name: "inner dots that stay inside", path: "data/../channelgate.db"},
		{name: "empty", path: "", errMsg: "cannot be empty"},
		{name: "leading traversal", path: "../../etc/passwd", errMsg: "directory traversal"},
		{name: "embedded traversal", path: "data/../../../etc/passwd", errMsg: "directory traversal"},
		{name: "bare parent", path: "..", errMsg: "directory traversal"},
		{name: "NUL byte", path: "channelgate.db\x00.txt", errMsg: "NUL byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
