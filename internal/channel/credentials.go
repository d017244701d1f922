package channel

import (
	"fmt"
	"strings"

	apperrors "channelgate/internal/errors"
	"channelgate/internal/models"
)

// RequireCredentials fails when any key is missing or blank.
func RequireCredentials(creds models.Credentials, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(creds.Get(k)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return apperrors.NewValidationError("config", fmt.Sprintf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}
