// Package security evaluates spawn and execute requests against policies.
//
// A Policy is a value: isolation level, command filter mode with allow and
// deny patterns, resource limits, and network and file-system flags. It is
// compiled once and never changed while attached to a pane.
//
// Evaluate is pure. It runs four checks in order and stops at the first
// denial:
//
//  1. the backend supports the policy's isolation level
//  2. the command passes the deny list, and the allow list in allowlist mode
//  3. resource limits, including terminals per agent
//  4. network and file-system flags the backend must enforce
//
// A command is split into simple commands at shell control operators.
// Deny patterns are tried against the whole line, each simple command and
// each program name; any match denies, even when an allow pattern also
// matches. In allowlist mode every simple command must match an allow
// pattern.
//
// Policies come from five presets (unrestricted, trusted, standard,
// restricted, isolated) or from a YAML file:
//
//	default: ci
//	policies:
//	  - name: ci
//	    base: restricted
//	    limits:
//	      max_memory: 512MB
//	      execution_timeout: 5m
//	    allow:
//	      - pattern: "make *"
//	    deny:
//	      - pattern: "make deploy*"
//	        risk: high
//	        reason: deploys from CI panes are not allowed
package security
