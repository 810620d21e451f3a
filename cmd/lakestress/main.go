// Command lakestress drives the scheduler through randomized workloads and
// checks that every item runs once, chains resume only after their members
// finish, and arena memory all comes back.
package main

func main() {
	execute()
}
