package policy

// DefaultProtected are packages whose removal would leave a host unable to
// manage packages or accept logins.
var DefaultProtected = []string{
	"bash",
	"dnf",
	"glibc",
	"kernel-core",
	"openssh-server",
	"rpm",
	"sudo",
	"systemd",
}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		packageNamesPolicy(),
		bulkRemovalPolicy(),
	}
}

// protectedPackagesPolicy forbids removing protected packages.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Forbids uninstalling packages listed as protected",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package rpmtools.protected

import rego.v1

deny contains violation if {
	input.operation == "uninstall"
	some name in input.names
	name in input.protected
	violation := {
		"message": sprintf("package %s is protected and cannot be removed", [name]),
		"package": name,
	}
}
`,
	}
}

// packageNamesPolicy rejects names dnf would read as options or split.
func packageNamesPolicy() Policy {
	return Policy{
		Name:        "package-names",
		Description: "Rejects empty names, option-like names and whitespace in package names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"validation"},
		Rego: `package rpmtools.names

import rego.v1

group_operations := {"group_install", "group_uninstall"}

deny contains violation if {
	count(input.names) == 0
	violation := {"message": sprintf("%s requires at least one name", [input.operation])}
}

deny contains violation if {
	some name in input.names
	trim_space(name) == ""
	violation := {"message": "names must not be empty", "package": name}
}

deny contains violation if {
	some name in input.names
	startswith(name, "-")
	violation := {
		"message": sprintf("%s looks like a command line option", [name]),
		"package": name,
	}
}

deny contains violation if {
	not input.operation in group_operations
	some name in input.names
	regex.match("\\s", name)
	violation := {
		"message": sprintf("package name %q contains whitespace", [name]),
		"package": name,
	}
}
`,
	}
}

// bulkRemovalPolicy warns about removing many packages at once.
func bulkRemovalPolicy() Policy {
	return Policy{
		Name:        "bulk-removal",
		Description: "Warns when a single transaction removes more than 20 packages",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package rpmtools.bulk

import rego.v1

deny contains violation if {
	input.operation == "uninstall"
	input.apply
	count(input.names) > 20
	violation := sprintf("removing %d packages in one transaction", [count(input.names)])
}
`,
	}
}
