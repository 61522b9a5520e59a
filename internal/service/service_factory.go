package service

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps *Deps

	oneStepService      *OneStepService
	userService         *UserService
	twoFactorService    *TwoFactorService
	kycService          *KYCService
	mediaConnectService *MediaConnectService
	adminService        *AdminService
}

func NewServiceFactory(deps *Deps) *ServiceFactory {
	return &ServiceFactory{deps: deps}
}

// OneStepService returns the onestep service instance (singleton)
func (f *ServiceFactory) OneStepService() *OneStepService {
	if f.oneStepService == nil {
		f.oneStepService = NewOneStepService(f.deps)
	}
	return f.oneStepService
}

func (f *ServiceFactory) UserService() *UserService {
	if f.userService == nil {
		f.userService = NewUserService(f.deps)
	}
	return f.userService
}

func (f *ServiceFactory) TwoFactorService() *TwoFactorService {
	if f.twoFactorService == nil {
		f.twoFactorService = NewTwoFactorService(f.deps)
	}
	return f.twoFactorService
}

func (f *ServiceFactory) KYCService() *KYCService {
	if f.kycService == nil {
		f.kycService = NewKYCService(f.deps)
	}
	return f.kycService
}

func (f *ServiceFactory) MediaConnectService() *MediaConnectService {
	if f.mediaConnectService == nil {
		f.mediaConnectService = NewMediaConnectService(f.deps)
	}
	return f.mediaConnectService
}

func (f *ServiceFactory) AdminService() *AdminService {
	if f.adminService == nil {
		f.adminService = NewAdminService(f.deps)
	}
	return f.adminService
}

// Cleanup drops cached data keys held by the field encryptor.
func (f *ServiceFactory) Cleanup() {
	if c, ok := f.deps.Encryptor.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
}
