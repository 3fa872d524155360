package proxy

import "strings"

// ParsedPath is the outcome of splitting a proxied request path.
type ParsedPath struct {
	Service    string
	TargetPath string // always begins with "/"
}

// ParsePath splits requestPath into service and target path under
// mountPath. It is total: every input either parses or yields a
// PROXY_PATH_INVALID error.
func ParsePath(mountPath, requestPath string) (*ParsedPath, *Error) {
	mount := normalizeMount(mountPath)

	if !strings.HasPrefix(requestPath, mount) {
		return nil, pathInvalid("path is outside the proxy mount")
	}
	rest := requestPath[len(mount):]
	if !strings.HasPrefix(rest, "/") {
		return nil, pathInvalid("expected /{service} after the proxy mount")
	}
	rest = rest[1:]

	service := rest
	targetPath := "/"
	if i := strings.Index(rest, "/"); i >= 0 {
		service = rest[:i]
		targetPath = rest[i:]
	}
	if service == "" {
		return nil, pathInvalid("service name must not be empty")
	}

	return &ParsedPath{Service: service, TargetPath: targetPath}, nil
}

// normalizeMount coerces the configured mount to "/seg" form with no
// trailing slash.
func normalizeMount(mountPath string) string {
	mount := strings.TrimSuffix(mountPath, "/")
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	return mount
}
