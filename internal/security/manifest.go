package security

// Artifact describes one published helper build: where to fetch it and
// the digest that gates its execution. Digests cover the compressed
// payload exactly as served.
type Artifact struct {
	URL    string
	SHA256 string
	// ExecName is the installed file name for the platform.
	ExecName string
}

// manifest maps runtime.GOOS to the published camp-security build.
// The helper is distributed zstd-compressed from a pinned CDN path; a
// new helper release requires updating both the URL tag and the digest.
var manifest = map[string]Artifact{
	"linux": {
		URL:      "https://cdn.jsdelivr.net/gh/SSL-ACTX/cdn_purposes@refs/heads/main/camp-security-linux64.zst",
		SHA256:   "5df6e4dd0fa8bcb4dd685f0e75b99f67c263f61b0edf92b0dec3c1e403acb83e",
		ExecName: "camp-security",
	},
	"darwin": {
		URL:      "https://cdn.jsdelivr.net/gh/SSL-ACTX/cdn_purposes@refs/heads/main/camp-security-macos64.zst",
		SHA256:   "7caa8dfb70e9d439480e2a73bc2f3d093b9cba77d6ff8449ede707baf4b666b7",
		ExecName: "camp-security",
	},
	"windows": {
		URL:      "https://cdn.jsdelivr.net/gh/SSL-ACTX/cdn_purposes@refs/heads/main/camp-security-win64.exe.zst",
		SHA256:   "807805ed4b453c0a603e3ef4fb637fda5af8e0f397d58c8dd64dc1545b8c49e2",
		ExecName: "camp-security.exe",
	},
}
