package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	navigationCmds
	dataCmds
	searchCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Moving through the trace", navigationCmds},
	{"Viewing registers and memory", dataCmds},
	{"Searching the trace", searchCmds},
	{"Other commands", otherCmds},
}
