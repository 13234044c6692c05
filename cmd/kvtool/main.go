// Command kvtool is the offline companion of kvchain: it generates keys,
// renders and signs payloads, and audits a store.
package main

func main() {
	Execute()
}
