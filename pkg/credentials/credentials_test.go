package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	tests := []struct {
		name           string
		credName       string
		fileContent    string
		expectedResult string
	}{
		{
			name:           "reads from file",
			credName:       "TEST_FILE_CRED",
			fileContent:    "file-secret-456\n",
			expectedResult: "file-secret-456",
		},
		{
			name:           "returns empty when file doesn't exist",
			credName:       "MISSING_FILE_CRED",
			fileContent:    "", // no file created
			expectedResult: "",
		},
		{
			name:           "handles Bearer token format",
			credName:       "BEARER_TOKEN",
			fileContent:    "Bearer ghp_abcdef123456",
			expectedResult: "Bearer ghp_abcdef123456",
		},
		{
			name:           "trims whitespace",
			credName:       "WHITESPACE_CRED",
			fileContent:    "  secret-with-spaces  \n",
			expectedResult: "secret-with-spaces",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()

			if tt.fileContent != "" {
				credPath := filepath.Join(tempDir, tt.credName)
				require.NoError(t, os.WriteFile(credPath, []byte(tt.fileContent), 0o600))
			}

			result, err := Get(tempDir, tt.credName)
			require.NoError(t, err)
			require.Equal(t, tt.expectedResult, result)
		})
	}
}

func TestGetEmptyName(t *testing.T) {
	result, err := Get(t.TempDir(), "")
	require.NoError(t, err)
	require.Empty(t, result)
}
