package sigma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/record"
)

// EventType is the logsource category of the events built from records.
const EventType = "image_load"

// Detector manages Sigma rules and evaluates exit records against them
type Detector struct {
	RulesDir string

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Rule         sigma.Rule
	Event        map[string]interface{}
	MatchDetails []string
}

// Helper function to create hardcoded config
func createHardcodedConfig() sigma.Config {
	return sigma.Config{
		Title: "Exit Notify Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":        {TargetNames: []string{"Image"}},
			"ImageLoaded":  {TargetNames: []string{"ImageLoaded"}},
			"ProcessId":    {TargetNames: []string{"ProcessId"}},
			"ThreadId":     {TargetNames: []string{"ThreadId"}},
			"ModuleCookie": {TargetNames: []string{"ModuleCookie"}},
		},
	}
}

// NewDetector creates a new Sigma detector watching <rulesDir>/enabled_rules
func NewDetector(rulesDir string) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	// Create enabled_rules and disabled_rules directories if they don't exist
	for _, dir := range []string{detector.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %w", err)
	}

	return detector, nil
}

func (sd *Detector) enabledDir() string {
	return filepath.Join(sd.RulesDir, "enabled_rules")
}

func (sd *Detector) setupWatcher() error {
	// changes in disabled_rules don't matter
	enabledDir := sd.enabledDir()
	if err := sd.watcher.Add(enabledDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", enabledDir, err)
	}
	log.Printf("Watching directory for rule changes: %s", enabledDir)

	sd.wg.Add(2)
	go sd.watchFileChanges()
	go sd.reloadLoop()
	return nil
}

func (sd *Detector) watchFileChanges() {
	defer sd.wg.Done()
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}

			// We only care about rule files
			if !isRuleFile(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debugf("Detected rule change: %s (%s)", event.Name, event.Op)
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)
		}
	}
}

func (sd *Detector) reloadLoop() {
	defer sd.wg.Done()
	for {
		select {
		case <-sd.done:
			return
		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				log.Printf("Warning: rule reload failed: %v", err)
			}
		}
	}
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// LoadRules replaces the loaded rules with those in the enabled_rules directory
func (sd *Detector) LoadRules() error {
	enabledDir := sd.enabledDir()
	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(enabledDir, file.Name())
		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			log.Printf("Warning: Failed to load rule file %s: %v", filePath, err)
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		log.Debugf("Loaded rule: %s (%s)", ruleEvaluator.Rule.Title, ruleEvaluator.Rule.ID)
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	log.Printf("Loaded %d Sigma rules from %s", len(evaluators), enabledDir)
	return nil
}

// ReloadRules schedules a reload of the rule directory
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
		// Channel already has a reload signal pending
	}
}

// RuleCount returns the number of loaded rules
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// aggregations need state across records; none is kept
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

// Events builds one image_load event per distinct module of rec. Modules
// whose cookie cannot be resolved to a path are skipped.
func Events(rec *record.Record, resolve func(uint64) (string, bool)) []map[string]interface{} {
	if resolve == nil {
		return nil
	}

	var image string
	for _, m := range rec.Modules {
		if m.IsMainExecutable() {
			image, _ = resolve(m.Cookie)
			break
		}
	}

	var events []map[string]interface{}
	seen := make(map[uint64]bool)
	for _, m := range rec.Modules {
		if seen[m.Cookie] {
			continue
		}
		seen[m.Cookie] = true

		path, ok := resolve(m.Cookie)
		if !ok {
			continue
		}
		events = append(events, map[string]interface{}{
			"EventType":    EventType,
			"Image":        image,
			"ImageLoaded":  path,
			"ProcessId":    rec.Thread.TGID,
			"ThreadId":     rec.Thread.PID,
			"ModuleCookie": m.Cookie,
		})
	}
	return events
}

// CheckRecord checks every module of an exit record against the loaded rules
func (sd *Detector) CheckRecord(ctx context.Context, rec *record.Record, resolve func(uint64) (string, bool)) []MatchResult {
	var results []MatchResult
	for _, event := range Events(rec, resolve) {
		results = append(results, sd.CheckEvent(ctx, event)...)
	}
	return results
}

// CheckEvent checks if an event matches any Sigma rules and returns detailed match results
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			log.Debugf("Error evaluating rule %s: %v", ruleEvaluator.Rule.ID, err)
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}

		results = append(results, MatchResult{
			Rule:         ruleEvaluator.Rule,
			Event:        event,
			MatchDetails: matchConditions,
		})
		log.Printf("Event matched rule %s with conditions %s", ruleEvaluator.Rule.ID, strings.Join(matchConditions, ", "))
	}
	return results
}

// StoreMatch stores a rule match against the exit row it came from
func StoreMatch(db *database.DB, exitID int64, rec *record.Record, match MatchResult) error {
	eventDataJSON, err := json.Marshal(match.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	image, _ := match.Event["Image"].(string)
	loaded, _ := match.Event["ImageLoaded"].(string)

	_, err = db.InsertMatch(&database.MatchRecord{
		ExitID:       exitID,
		RuleID:       match.Rule.ID,
		RuleName:     match.Rule.Title,
		Severity:     severity,
		ProcessID:    rec.Thread.TGID,
		Image:        image,
		ImageLoaded:  loaded,
		Timestamp:    rec.Thread.Now,
		MatchDetails: match.MatchDetails,
		EventData:    string(eventDataJSON),
	})
	if err != nil {
		return err
	}

	log.Printf("Stored match for rule %s: %s", match.Rule.ID, match.Rule.Title)
	return nil
}

// Close stops watching the rule directory
func (sd *Detector) Close() error {
	var err error
	sd.closeOnce.Do(func() {
		close(sd.done)
		err = sd.watcher.Close()
		sd.wg.Wait()
	})
	return err
}
