/*
Package config loads the orchestrator's declarative surface: Action, Host, Environment, and
HPC-host-extension definitions expressed as YAML, the format an external
workflow-discovery front-end (out of scope for this project; see the
scheduler's Register/Build) is expected to hand off after its own module
loading pass.

Decoding follows a load-then-check-unused shape: each entity decodes into
a generic map, every recognized key is popped off one at a time, and
whatever remains is logged at warning level rather than silently dropped
or treated as fatal. Unknown keys are a configuration typo to flag, not a
reason to abort the whole document.

	doc, err := config.Load(data, logger)
	for id, a := range doc.Actions {
	    scheduler.AddAction(a)
	}
	for name, h := range doc.Hosts {
	    scheduler.AddHost(h.(scheduler.Host))
	}
*/
package config
