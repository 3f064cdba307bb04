package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	threadCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the program", runCmds},
	{"Manipulating breakpoint sites", breakCmds},
	{"Viewing and changing memory", dataCmds},
	{"Listing and switching between threads", threadCmds},
	{"Other commands", otherCmds},
}
