package proc

// ArmRemoval arms the removal hook of ev, as the control loop does before
// publishing it on the public topic.
func ArmRemoval(ev *Event) {
	ev.armRemoval()
}
