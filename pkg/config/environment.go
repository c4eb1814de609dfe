package config

import "os"

// Environment holds the variables the hosting CI gear exports.
type Environment struct {
	Home      string
	DataDir   string
	Namespace string
	GearDNS   string

	CIHost     string
	CIPort     string
	CIUsername string
	CIPassword string
}

// FromEnvironment reads Environment from the process environment.
func FromEnvironment() Environment {
	return EnvironmentFrom(os.Getenv)
}

// EnvironmentFrom reads Environment through getenv. The CI server address is
// taken from OPENSHIFT_INTERNAL_IP/PORT, falling back to
// OPENSHIFT_JENKINS_IP/PORT.
func EnvironmentFrom(getenv func(string) string) Environment {
	env := Environment{
		Home:       getenv("HOME"),
		DataDir:    getenv("OPENSHIFT_DATA_DIR"),
		Namespace:  getenv("OPENSHIFT_NAMESPACE"),
		GearDNS:    getenv("OPENSHIFT_GEAR_DNS"),
		CIHost:     getenv("OPENSHIFT_INTERNAL_IP"),
		CIPort:     getenv("OPENSHIFT_INTERNAL_PORT"),
		CIUsername: getenv("JENKINS_USERNAME"),
		CIPassword: getenv("JENKINS_PASSWORD"),
	}
	if env.CIHost == "" {
		env.CIHost = getenv("OPENSHIFT_JENKINS_IP")
	}
	if env.CIPort == "" {
		env.CIPort = getenv("OPENSHIFT_JENKINS_PORT")
	}
	return env
}

// HasCIServer reports whether a CI server address is known.
func (e Environment) HasCIServer() bool {
	return e.CIHost != "" && e.CIPort != ""
}
