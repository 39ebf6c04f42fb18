package fhir

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
// versionId is the resource's meta.versionId — a monotonically increasing
// decimal string ("1", "2", "3", ...), not parsed as an integer anywhere in
// this package since FHIR only requires it sort and compare as an opaque
// token.
func SetVersionHeaders(c echo.Context, versionID string, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// CheckIfMatch validates the If-Match header against the current version.
// Returns "", nil if no If-Match header is present (unconditional update).
// Returns an error response (409 Conflict) if the header's version does not
// match currentVersion.
func CheckIfMatch(c echo.Context, currentVersion string) (string, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return "", nil
	}

	expectedVersion := ParseETag(ifMatch)
	if expectedVersion != currentVersion {
		return "", echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("version conflict: expected version %s but resource is at version %s", expectedVersion, currentVersion))
	}

	return expectedVersion, nil
}

// ParseETag extracts the version token from an ETag value like W/"3" or "3".
func ParseETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// FormatETag creates a weak ETag from a version id.
func FormatETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// CheckIfNoneMatch checks If-None-Match for conditional reads.
// Returns true if the client's version matches (304 Not Modified should be returned).
func CheckIfNoneMatch(c echo.Context, currentVersion string) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	return ParseETag(ifNoneMatch) == currentVersion
}
