package scan

import "strings"

// acceleratorPackages are compared ignoring their platform-local build
// suffix. A torch pinned as 2.3.1 matches an installed 2.3.1+cu121.
var acceleratorPackages = map[string]bool{
	"torch":           true,
	"torchvision":     true,
	"torchaudio":      true,
	"xformers":        true,
	"onnxruntime-gpu": true,
}

func isAcceleratorPackage(name string) bool {
	return acceleratorPackages[strings.ToLower(name)]
}

// SplitBuildTag splits a version into its base and local build tag:
// "2.3.1+cu121" -> ("2.3.1", "cu121").
func SplitBuildTag(version string) (base, tag string) {
	if i := strings.IndexByte(version, '+'); i >= 0 {
		return version[:i], version[i+1:]
	}
	return version, ""
}

// NormalizeVersion strips the platform-local build suffix from versions
// of accelerator packages. Other packages pass through unchanged.
func NormalizeVersion(pkg, version string) string {
	if !isAcceleratorPackage(pkg) {
		return version
	}
	base, _ := SplitBuildTag(version)
	return base
}

// VersionsEquivalent compares two versions of a package, ignoring
// build-local suffixes for accelerator packages.
func VersionsEquivalent(pkg, a, b string) bool {
	return NormalizeVersion(pkg, a) == NormalizeVersion(pkg, b)
}
