package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	runCmds
	breakCmds
	dataCmds
	targetCmds
)

// helpGroups is the order in which help lists the command groups.
var helpGroups = []commandGroup{runCmds, breakCmds, dataCmds, targetCmds, otherCmds}

func (g commandGroup) String() string {
	switch g {
	case runCmds:
		return "Running the program"
	case breakCmds:
		return "Manipulating breakpoints"
	case dataCmds:
		return "Viewing registers and memory"
	case targetCmds:
		return "Listing processes, threads and modules"
	default:
		return "Other commands"
	}
}
