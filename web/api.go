package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// handleExits returns the most recent exit records
func (s *Server) handleExits(w http.ResponseWriter, r *http.Request) {
	exits, err := s.db.RecentExits(limitParam(r))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching exits: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, exits)
}

// handleExitModules returns the modules of one exit record
func (s *Server) handleExitModules(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid exit ID: %v", err), http.StatusBadRequest)
		return
	}
	modules, err := s.db.ExitModules(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching modules: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, modules)
}

// handleMatches returns the most recent Sigma matches
func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.db.RecentMatches(limitParam(r))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, matches)
}

// handleMatchStatus updates the triage status of a match
func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	matchID, err := idParam(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	var request StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.db.UpdateMatchStatus(matchID, request.Status); err != nil {
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusBadRequest)
		return
	}
	log.Printf("Updated match %d status to %s", matchID, request.Status)

	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}

// handleBinary serves an archived module by hash
func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if !s.archive.HasBinary(hash) {
		http.Error(w, "Binary not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.bin", hash))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, s.archive.BinaryPath(hash))
}

func (s *Server) rulesDir(enabled bool) string {
	if enabled {
		return filepath.Join(s.detector.RulesDir, "enabled_rules")
	}
	return filepath.Join(s.detector.RulesDir, "disabled_rules")
}

func isRuleName(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// handleSigmaRules lists enabled and disabled rules
func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	rules := []RuleRow{}
	for _, enabled := range []bool{true, false} {
		found, err := readRulesFromDir(s.rulesDir(enabled), enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
			return
		}
		rules = append(rules, found...)
	}
	writeJSON(w, rules)
}

// readRulesFromDir reads and parses Sigma rules from a directory
func readRulesFromDir(dir string, enabled bool) ([]RuleRow, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rules []RuleRow
	for _, file := range files {
		if file.IsDir() || !isRuleName(file.Name()) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			// Skip files that can't be parsed
			continue
		}
		rules = append(rules, ruleRow(rule, file.Name(), enabled, string(content)))
	}
	return rules, nil
}

func ruleRow(rule sigmago.Rule, filename string, enabled bool, content string) RuleRow {
	return RuleRow{
		ID:          rule.ID,
		Title:       rule.Title,
		Description: rule.Description,
		Level:       rule.Level,
		Author:      rule.Author,
		Tags:        rule.Tags,
		Detection:   rule.Detection,
		Filename:    filename,
		Enabled:     enabled,
		YAML:        content,
	}
}

// handleSigmaRuleUpload validates and stores a new rule file
func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
	var request RuleUpload
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}
	if filepath.Base(request.Filename) != request.Filename || !isRuleName(request.Filename) {
		http.Error(w, "Filename must be a plain .yml or .yaml name", http.StatusBadRequest)
		return
	}

	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	// the detector's watcher picks up files written to enabled_rules
	filePath := filepath.Join(s.rulesDir(request.Enabled), request.Filename)
	if err := os.WriteFile(filePath, []byte(request.Content), 0644); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write file: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSONStatus(w, http.StatusCreated, ruleRow(rule, request.Filename, request.Enabled, ""))
}

// handleSigmaRuleToggle moves a rule between enabled_rules and disabled_rules
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	for _, enabled := range []bool{true, false} {
		rules, err := readRulesFromDir(s.rulesDir(enabled), enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
			return
		}
		for _, rule := range rules {
			if rule.ID != ruleID {
				continue
			}
			from := filepath.Join(s.rulesDir(enabled), rule.Filename)
			to := filepath.Join(s.rulesDir(!enabled), rule.Filename)
			if err := os.Rename(from, to); err != nil {
				http.Error(w, fmt.Sprintf("Failed to move rule: %v", err), http.StatusInternalServerError)
				return
			}
			log.Printf("Rule %s enabled=%v", ruleID, !enabled)

			rule.Enabled = !enabled
			rule.YAML = ""
			writeJSON(w, rule)
			return
		}
	}

	http.Error(w, "Rule not found", http.StatusNotFound)
}
