// Package all imports every built-in provider for side-effect registration.
// Import this package to have local, aws, and gcp all registered with the
// default registry.
package all

import (
	_ "github.com/nimbuscall/nimbuscall/providers/aws"
	_ "github.com/nimbuscall/nimbuscall/providers/gcp"
	_ "github.com/nimbuscall/nimbuscall/providers/local"
)
