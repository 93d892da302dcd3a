// Warden is a sliding-window admission control gateway.
//
// It sits in front of an HTTP service and admits or throttles each request
// against declarative rate limit rules, blocking repeat offenders for
// exponentially growing periods.
//
// Usage:
//
//	# Start the gateway
//	warden run --config warden.yaml
//
//	# Validate configuration and rules
//	warden validate --config warden.yaml
//
//	# Record one request for a key and print the verdict
//	warden check --key-type ip --id 10.0.0.1 --limit 100 --window 1m
//
//	# Inspect, unblock or reset a key
//	warden usage --key-type api_key --id sk-abc
//	warden unblock --key-type api_key --id sk-abc
//	warden reset --key-type api_key --id sk-abc
//
//	# Delete expired records now
//	warden sweep
package main

func main() {
	Execute()
}
