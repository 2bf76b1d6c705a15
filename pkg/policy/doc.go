// Package policy gates package operations with Open Policy Agent (OPA)
// Rego rules.
//
// Every policy is a Rego module defining a deny set. The engine evaluates
// the deny set of each enabled policy against an Input describing the
// operation:
//
//	{
//	    "operation": "uninstall",
//	    "names":     ["openssh-server"],
//	    "apply":     true,
//	    "protected": ["bash", "dnf", "glibc", ...],
//	    "host":      "web01"
//	}
//
// A deny entry is either a message string or an object with message,
// severity and package keys. Violations with error or critical severity
// block the operation; lower severities are reported as warnings.
//
// # Built-in Policies
//
//   - protected-packages: forbids uninstalling protected packages
//   - package-names: rejects empty names, names starting with "-" and
//     whitespace in package names
//   - bulk-removal: warns when more than 20 packages are removed at once
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	eng.SetProtected(cfg.Policy.Protected)
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Dirs); err != nil {
//	    return err
//	}
//
//	err = eng.Check(ctx, policy.Input{
//	    Operation: "uninstall",
//	    Names:     []string{"openssh-server"},
//	    Apply:     true,
//	})
//	if policy.IsDenied(err) {
//	    // refuse the operation
//	}
//
// # Custom Policies
//
// Extra policies are read from .rego files (named after the file, error
// severity) and .json files holding a serialized Policy. Watch reloads them
// when the files change:
//
//	package site.kernel
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.operation == "update"
//	    some name in input.names
//	    startswith(name, "kernel")
//	    msg := "kernel updates go through the maintenance window"
//	}
package policy
