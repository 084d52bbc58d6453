package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "v1.2.3"

	info := Get()
	if info.Version != "v1.2.3" || info.GoVersion == "" {
		t.Errorf("Get() = %+v", info)
	}
	if ua := UserAgent(); !strings.HasPrefix(ua, "linkfeed/v1.2.3") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
