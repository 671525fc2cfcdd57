package common

// PackageName is used as the metrics namespace and default service tag.
const PackageName = "mnemosyne"

// Version is set through ldflags at build time.
var Version = "dev"
