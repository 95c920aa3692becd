// Command agl runs the Lightning Store.
package main

func main() {
	Execute()
}
