// Package rules loads declarative rate limit rules from YAML.
//
// A rules file lists limits in priority order:
//
//	rules:
//	  - name: per-ip
//	    key_type: ip
//	    limit: 300
//	    window: 1m
//	  - name: chat-per-key
//	    key_type: endpoint
//	    endpoint: /v1/chat
//	    methods: [POST]
//	    limit: 20
//	    window: 1m
//	    weight: 5
//
// Set.Match returns every rule that applies to a request; the HTTP
// middleware checks each of them and denies on the first denial.
//
// The current set lives in a Holder so it can be swapped while requests are
// in flight. A Watcher hot-reloads the file on change; a file that fails to
// parse or validate keeps the previous set.
package rules
