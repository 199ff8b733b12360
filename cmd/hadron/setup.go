package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/hadron/pkg/camera"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/config"
	"github.com/gwillem/hadron/pkg/gamepad"
	"github.com/gwillem/hadron/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// priorityPresets are the channel orders offered by setup, highest first.
var priorityPresets = [][]command.Kind{
	{command.Gamepad, command.Web, command.Keyboard},
	{command.Web, command.Gamepad, command.Keyboard},
	{command.Keyboard, command.Web, command.Gamepad},
}

type SetupCommand struct {
	SkipCalibration bool `long:"skip-calibration" description:"Keep existing servo calibration"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Hadron Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("Scanning for servo buses and game controllers...")
	buses := findServoBuses(cfg.Hardware.ServoBaud)
	defer func() {
		for _, b := range buses {
			b.bus.Close()
		}
	}()
	pads := gamepad.Detect()
	fmt.Printf("Found %d servo bus(es) and %d controller(s).\n\n", len(buses), len(pads))

	if err := askHardware(cfg, buses, pads); err != nil {
		return err
	}

	if cfg.Hardware.ServoDriver == config.DriverFeetech && !c.SkipCalibration {
		bus := busOnPort(buses, cfg.Hardware.ServoPort)
		if bus == nil {
			return fmt.Errorf("no servos found on %s", cfg.Hardware.ServoPort)
		}
		fmt.Println()
		fmt.Println(subHeaderStyle.Render("━━━ Identifying camera servos ━━━"))
		fmt.Println()
		cal, err := identifyServos(*bus, cfg.Servos)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(subHeaderStyle.Render("━━━ Calibrating camera head ━━━"))
		fmt.Println()
		if err := calibrateServos(*bus, cfg.Servos, cal); err != nil {
			return err
		}
		cfg.Hardware.Calibration = cal
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	path := configPath()
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", path)
	fmt.Println()
	fmt.Println("Start the robot with: " + headerStyle.Render("hadron serve"))
	return nil
}

func askHardware(cfg *config.Config, buses []servoBus, pads []string) error {
	servoOptions := []huh.Option[string]{
		huh.NewOption("No camera servos", config.DriverNone),
		huh.NewOption("Dry run (log only)", config.DriverDryRun),
	}
	if len(buses) > 0 {
		servoOptions = append([]huh.Option[string]{huh.NewOption("Feetech bus servos", config.DriverFeetech)}, servoOptions...)
	}

	priority := 0
	for i, p := range priorityPresets {
		if equalKinds(p, cfg.Arbiter.Priority) {
			priority = i
		}
	}
	priorityOptions := make([]huh.Option[int], len(priorityPresets))
	for i, p := range priorityPresets {
		names := make([]string, len(p))
		for j, k := range p {
			names[j] = string(k)
		}
		priorityOptions[i] = huh.NewOption(strings.Join(names, " > "), i)
	}

	port := strconv.Itoa(cfg.Web.Port)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Drive motors").
				Options(
					huh.NewOption("Motor HAT on I2C", config.DriverMotorHat),
					huh.NewOption("Dry run (log only)", config.DriverDryRun),
				).
				Value(&cfg.Hardware.MotorDriver),
			huh.NewSelect[string]().
				Title("Camera servos").
				Options(servoOptions...).
				Value(&cfg.Hardware.ServoDriver),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Camera").
				Options(
					huh.NewOption("Raspberry Pi camera (rpicam-vid)", camera.SourceRpicam),
					huh.NewOption("Test pattern", camera.SourcePattern),
					huh.NewOption("No video", camera.SourceNone),
				).
				Value(&cfg.Camera.Source),
			huh.NewSelect[int]().
				Title("Input priority").
				Description("Higher channels override lower ones while active").
				Options(priorityOptions...).
				Value(&priority),
			huh.NewConfirm().
				Title("Read a game controller?").
				Description(fmt.Sprintf("%d detected", len(pads))).
				Value(&cfg.Gamepad.Enabled),
			huh.NewInput().
				Title("Web port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 || n > 65535 {
						return errors.New("enter a port between 1 and 65535")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Arbiter.Priority = priorityPresets[priority]
	cfg.Web.Port, _ = strconv.Atoi(port)

	if cfg.Hardware.ServoDriver == config.DriverFeetech {
		cfg.Hardware.ServoPort = buses[0].port
		if len(buses) > 1 {
			opts := make([]huh.Option[string], len(buses))
			for i, b := range buses {
				opts[i] = huh.NewOption(fmt.Sprintf("%s (%d servos)", b.port, len(b.servos)), b.port)
			}
			err := huh.NewSelect[string]().
				Title("Servo bus").
				Options(opts...).
				Value(&cfg.Hardware.ServoPort).
				Run()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func equalKinds(a, b []command.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func busOnPort(buses []servoBus, port string) *servoBus {
	for i := range buses {
		if buses[i].port == port {
			return &buses[i]
		}
	}
	return nil
}

// identifyServos wiggles each servo on the bus and asks which joint it
// drives.
func identifyServos(b servoBus, specs []robot.ServoSpec) (robot.Calibration, error) {
	cal := make(robot.Calibration)
	ctx := context.Background()

	for _, found := range b.servos {
		if len(cal) == len(specs) {
			break
		}
		servo := feetech.NewServo(b.bus, found.ID, found.Model)
		wiggle(ctx, servo, found.ID)

		var options []huh.Option[string]
		for _, spec := range specs {
			if _, done := cal[spec.Name]; !done {
				options = append(options, huh.NewOption(spec.Name, spec.Name))
			}
		}
		options = append(options, huh.NewOption("Skip this servo", ""))

		var name string
		err := huh.NewSelect[string]().
			Title(fmt.Sprintf("Which joint is servo %d?", found.ID)).
			Description("The servo that just wiggled").
			Options(options...).
			Value(&name).
			Run()
		if err != nil {
			return nil, err
		}
		if name != "" {
			cal[name] = robot.ServoCalibration{ID: found.ID}
		}
	}

	for _, spec := range specs {
		if _, ok := cal[spec.Name]; !ok {
			return nil, fmt.Errorf("servo %s not identified", spec.Name)
		}
	}
	return cal, nil
}

func wiggle(ctx context.Context, servo *feetech.Servo, id int) {
	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading servo %d: %v\n", id, err)
		return
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo %d: %v\n", id, err)
		return
	}

	fmt.Printf("  Wiggling servo %d...\n", id)

	const amount = 60
	const moveTimeMs = 400
	for _, pos := range []int{originalPos + amount, originalPos - amount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep((moveTimeMs + 100) * time.Millisecond)
	}
	servo.Disable(ctx)
}

// calibrateServos records the range of motion of each identified servo
// while the user moves the camera head by hand.
func calibrateServos(b servoBus, specs []robot.ServoSpec, cal robot.Calibration) error {
	ctx := context.Background()

	names := make([]string, 0, len(specs))
	servos := make(map[string]*feetech.Servo, len(specs))
	for _, spec := range specs {
		sc := cal[spec.Name]
		for _, found := range b.servos {
			if found.ID == sc.ID {
				s := feetech.NewServo(b.bus, found.ID, found.Model)
				s.Disable(ctx)
				names = append(names, spec.Name)
				servos[spec.Name] = s
			}
		}
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move the camera head to its limits on every joint.")
	fmt.Println()

	model := newCalibrationModel(names, servos)
	for _, name := range names {
		pos, _ := servos[name].Position(ctx)
		model.cur[name] = pos
		model.min[name] = pos
		model.max[name] = pos
	}

	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return fmt.Errorf("run calibration: %w", err)
	}
	cm := final.(calibrationModel)

	for _, name := range names {
		sc := cal[name]
		sc.RangeMin = cm.min[name]
		sc.RangeMax = cm.max[name]
		cal[name] = sc
	}

	for _, name := range names {
		if cal[name].RangeMax-cal[name].RangeMin < minRange {
			fmt.Fprintf(os.Stderr, "Warning: %s range is only %d steps\n", name, cal[name].RangeMax-cal[name].RangeMin)
		}
	}
	return nil
}

// minRange is the raw span below which a joint is shown as not yet explored.
const minRange = 500

type calibrationModel struct {
	names    []string
	servos   map[string]*feetech.Servo
	cur      map[string]int
	min      map[string]int
	max      map[string]int
	quitting bool
}

type tickMsg time.Time

func newCalibrationModel(names []string, servos map[string]*feetech.Servo) calibrationModel {
	return calibrationModel{
		names:  names,
		servos: servos,
		cur:    make(map[string]int),
		min:    make(map[string]int),
		max:    make(map[string]int),
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for _, name := range m.names {
			pos, err := m.servos[name].Position(ctx)
			if err != nil {
				continue
			}
			m.cur[name] = pos
			if pos < m.min[name] {
				m.min[name] = pos
			}
			if pos > m.max[name] {
				m.max[name] = pos
			}
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableNameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.names))
	ranges := make([]int, 0, len(m.names))
	for _, name := range m.names {
		span := m.max[name] - m.min[name]
		ranges = append(ranges, span)
		rows = append(rows, []string{
			name,
			strconv.Itoa(m.cur[name]),
			strconv.Itoa(m.min[name]),
			strconv.Itoa(m.max[name]),
			strconv.Itoa(span),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Servo", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableNameStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > minRange {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))

	return sb.String()
}
