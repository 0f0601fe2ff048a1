package config

// Version is the kafdeck release version, overridable at build time with
// -ldflags "-X github.com/kafdeck/kafdeck/pkg/config.Version=...".
var Version = "0.1.0"
