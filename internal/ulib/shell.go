package ulib

import (
	"strings"

	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/task"
)

// ShellEntry builds the interactive shell task body. serial is the board
// serial number queried from the firmware at boot.
func ShellEntry(ram *memio.RAM, serial uint64) task.Entry {
	return func(gate task.SyscallFunc) {
		env := NewEnv(gate, ram)
		shell(env, serial)
	}
}

func shell(env *Env, serial uint64) {
	tty := env.Open("/dev/uart0", fs.ModeReadWrite)
	if tty < 0 {
		env.Exit(1)
	}

	heapStart := env.Sbrk(0)
	buf := make([]byte, 1024)

	for {
		env.Printf(tty, "# ")
		n := env.ReadLine(tty, buf)
		if n < 0 {
			break
		}
		line := strings.TrimSpace(string(buf[:n]))

		switch line {
		case "":
		case "exit":
			env.Printf(tty, "goodbye.\n")
			env.Exit(0)
		case "help":
			env.Printf(tty, "The following commands are available to you:\n")
			env.Printf(tty, "  - memstat\tStatistics on this task's heap use.\n")
			env.Printf(tty, "  - uptime\tTime since boot and this task's CPU time.\n")
			env.Printf(tty, "  - yield\tYields to the spin task; control returns shortly.\n")
			env.Printf(tty, "  - sleep\tPuts this task to sleep for 2 seconds.\n")
			env.Printf(tty, "  - serial\tPrints the board serial number.\n")
			env.Printf(tty, "  - exit\tSays goodbye.\n")
		case "memstat":
			brk := env.Sbrk(0)
			used := brk - heapStart
			env.Printf(tty, "heap size: %d bytes\nbreak: 0x%08x\nused since start: %d bytes\n",
				layout.TaskHeapSize, brk, used)
		case "uptime":
			uptimeJiffies := env.Uptime()
			cpuJiffies := env.CPUTime()
			seconds := uptimeJiffies >> layout.SysHzBits
			var usage uint32
			if uptimeJiffies > 0 {
				usage = cpuJiffies * 100 / uptimeJiffies
			}
			env.Printf(tty, "up %ds, usage: %d%% (%d / %d jiffies)\n",
				seconds, usage, cpuJiffies, uptimeJiffies)
		case "yield":
			env.Yield()
		case "sleep":
			env.Printf(tty, "Sleeping for 2 seconds.\n")
			env.Sleep(2)
		case "serial":
			env.Printf(tty, "board serial: %016x\n", serial)
		default:
			env.Printf(tty, "Unknown command '%s'. Use 'help'.\n", line)
		}
	}
}
