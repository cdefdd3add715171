/*
   Tracesketch - Collaborative Timeline Forensics

   Copyright (C) 2025 Velocidex Innovations.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"www.velocidex.com/golang/tracesketch/config"
)

var (
	GenericComponent   = "tracesketch"
	SchedulerComponent = "tracesketch.scheduler"
	StoreComponent     = "tracesketch.store"
	QueryComponent     = "tracesketch.query"

	mu       sync.Mutex
	managers = make(map[*config.Config]*LogManager)
)

// A LogContext is a component scoped logger handed out to the rest of
// the codebase. All log lines carry the component field.
type LogContext struct {
	entry *logrus.Entry
}

func (self *LogContext) Debug(format string, v ...interface{}) {
	self.entry.Debugf(format, v...)
}

func (self *LogContext) Info(format string, v ...interface{}) {
	self.entry.Infof(format, v...)
}

func (self *LogContext) Warn(format string, v ...interface{}) {
	self.entry.Warnf(format, v...)
}

func (self *LogContext) Error(format string, v ...interface{}) {
	self.entry.Errorf(format, v...)
}

func (self *LogContext) WithFields(fields logrus.Fields) *LogContext {
	return &LogContext{entry: self.entry.WithFields(fields)}
}

type LogManager struct {
	mu sync.Mutex

	config_obj *config.Config
	contexts   map[*string]*LogContext
}

// GetLogger returns the logger for a component, creating it on first
// use. Loggers are safe for concurrent use.
func GetLogger(config_obj *config.Config, component *string) *LogContext {
	mu.Lock()
	manager, pres := managers[config_obj]
	if !pres {
		manager = &LogManager{
			config_obj: config_obj,
			contexts:   make(map[*string]*LogContext),
		}
		managers[config_obj] = manager
	}
	mu.Unlock()

	return manager.GetLogger(component)
}

func (self *LogManager) GetLogger(component *string) *LogContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, pres := self.contexts[component]
	if !pres {
		ctx = &LogContext{
			entry: self.makeLogger().WithField("component", *component),
		}
		self.contexts[component] = ctx
	}
	return ctx
}

func (self *LogManager) makeLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel

	logging_config := self.config_obj.Logging
	if logging_config != nil {
		level, err := logrus.ParseLevel(logging_config.Level)
		if err == nil {
			logger.Level = level
		}

		if logging_config.JSON {
			logger.Formatter = &logrus.JSONFormatter{}
		} else {
			logger.Formatter = &logrus.TextFormatter{
				DisableColors: true,
				FullTimestamp: true,
			}
		}
	}

	return logger
}
