package engine

// Config holds sandbox engine settings.
type Config struct {
	// CgroupRoot is the cgroup v2 directory the engine creates per-run
	// groups under.
	CgroupRoot string `yaml:"cgroupRoot"`

	// HelperPath locates the sandbox-init binary re-exec'd for every run.
	HelperPath string `yaml:"helperPath"`

	// ColdStartMs is the fixed budget subtracted from measured wall time so
	// container start-up does not inflate small programs. Applied uniformly
	// to every profile.
	ColdStartMs int64 `yaml:"coldStartMs"`

	// StderrCapBytes bounds captured stderr. Default 64 KiB.
	StderrCapBytes int64 `yaml:"stderrCapBytes"`

	EnableCgroup     bool `yaml:"enableCgroup"`
	EnableNamespaces bool `yaml:"enableNamespaces"`
	EnableSeccomp    bool `yaml:"enableSeccomp"`
}
